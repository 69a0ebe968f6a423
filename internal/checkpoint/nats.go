package checkpoint

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig 描述 JetStream KV 检查点存储。
type NATSConfig struct {
	URL    string
	Bucket string
	TTL    time.Duration
}

// NATSStore 将检查点存放在 JetStream KV 桶中，过期由桶的 TTL 控制。
type NATSStore struct {
	conn *nats.Conn
	kv   jetstream.KeyValue
}

// NewNATSStore 连接 NATS 并创建（或更新）KV 桶。
func NewNATSStore(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "SWARM_CHECKPOINTS"
	}
	conn, err := nats.Connect(url, nats.Name("openmcp-swarm-checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "suspended swarm executions",
		TTL:         cfg.TTL,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &NATSStore{conn: conn, kv: kv}, nil
}

// Save 实现 Store。
func (n *NATSStore) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return storeError(err, "encode")
	}
	if _, err := n.kv.Put(ctx, rec.ThreadID, payload); err != nil {
		return storeError(err, "save")
	}
	return nil
}

// Load 实现 Store。
func (n *NATSStore) Load(ctx context.Context, threadID string) (Record, error) {
	entry, err := n.kv.Get(ctx, threadID)
	if err != nil {
		if stdErrors.Is(err, jetstream.ErrKeyNotFound) {
			return Record{}, NotFound(threadID)
		}
		return Record{}, storeError(err, "load")
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, storeError(err, "decode")
	}
	return rec, nil
}

// Delete 实现 Store。
func (n *NATSStore) Delete(ctx context.Context, threadID string) error {
	if err := n.kv.Delete(ctx, threadID); err != nil && !stdErrors.Is(err, jetstream.ErrKeyNotFound) {
		return storeError(err, "delete")
	}
	return nil
}

// Close 断开 NATS 连接。
func (n *NATSStore) Close() error {
	n.conn.Close()
	return nil
}
