package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultTopic 是事件发布的默认主题。
const DefaultTopic = "swarm.events"

const (
	metadataType   = "event_type"
	metadataThread = "thread_id"
)

// WatermillPublisher 将事件发布到 watermill 主题。
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher 包装任意 watermill Publisher。
func NewWatermillPublisher(pub message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{publisher: pub, topic: topic}
}

// NewGoChannel 创建进程内 pub/sub，发布端与订阅端为同一实例。
func NewGoChannel(l *slog.Logger, buffer int) *gochannel.GoChannel {
	if buffer <= 0 {
		buffer = 256
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(buffer),
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, watermill.NewSlogLogger(l))
}

// Publish 实现 Publisher。
func (p *WatermillPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(metadataType, string(event.Type))
	msg.Metadata.Set(metadataThread, event.ThreadID)
	msg.SetContext(ctx)
	return p.publisher.Publish(p.topic, msg)
}

// Subscribe 订阅主题并把消息解码为事件，ctx 结束时关闭返回的通道。
func Subscribe(ctx context.Context, sub message.Subscriber, topic string) (<-chan Event, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
