package events

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"OpenMCP-Swarm/internal/config"
	"OpenMCP-Swarm/pkg/logger"
)

// Bus 是按配置组装好的事件下游。
type Bus struct {
	Sink Sink
	// Subscriber 仅在 watermill 驱动下非空，可供进程内消费者订阅。
	Subscriber message.Subscriber
	Topic      string

	closers []io.Closer
}

// Close 先排空异步缓冲，再关闭底层传输。
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Open 根据配置创建事件下游。
func Open(cfg config.EventsConfig, l *slog.Logger) (*Bus, error) {
	if l == nil {
		l = logger.Named("events")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	bus := &Bus{Topic: topic}
	switch cfg.Driver {
	case "", "none":
		bus.Sink = Nop{}
	case "log":
		bus.Sink = NewLogSink(l)
	case "watermill":
		pubSub := NewGoChannel(l, cfg.Buffer)
		async := NewAsync(NewWatermillPublisher(pubSub, topic), cfg.Buffer, WithAsyncLogger(l))
		bus.Sink = async
		bus.Subscriber = pubSub
		bus.closers = append(bus.closers, async, pubSub)
	case "rabbitmq":
		pub, err := NewRabbitMQPublisher(RabbitMQConfig{URL: cfg.RabbitMQ.URL, Exchange: cfg.RabbitMQ.Exchange})
		if err != nil {
			return nil, err
		}
		async := NewAsync(pub, cfg.Buffer, WithAsyncLogger(l))
		bus.Sink = async
		bus.closers = append(bus.closers, async, pub)
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
	return bus, nil
}
