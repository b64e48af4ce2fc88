// Package invalidation fans tool cache evictions out to every replica over
// Redis pub/sub.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel replicas share.
const DefaultChannel = "tool_sandbox:invalidate"

// Message names what to evict. An empty ToolID means the whole tenant; an
// empty TenantID means everything.
type Message struct {
	TenantID string `json:"tenant_id,omitempty"`
	ToolID   string `json:"tool_id,omitempty"`
	Origin   string `json:"origin"`
}

// Target is the cache a Message is applied to.
type Target interface {
	Invalidate(tenantID, toolID string) bool
	InvalidateTenant(tenantID string) int
	Purge()
}

// Apply evicts what m names from t.
func Apply(t Target, m Message) {
	switch {
	case m.TenantID == "":
		t.Purge()
	case m.ToolID == "":
		t.InvalidateTenant(m.TenantID)
	default:
		t.Invalidate(m.TenantID, m.ToolID)
	}
}

// Bus publishes and receives invalidations. Messages a Bus published itself
// are not delivered back to it.
type Bus struct {
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *zap.Logger
}

// New creates a Bus on client. An empty channel means DefaultChannel.
func New(client redis.UniversalClient, channel string, logger *zap.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

// NewFromURL connects to the Redis server at url (redis://...).
func NewFromURL(url string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("NewFromURL: %w", err)
	}
	return New(redis.NewClient(opts), "", logger), nil
}

// Publish announces an eviction to the other replicas.
func (b *Bus) Publish(ctx context.Context, tenantID, toolID string) error {
	payload, err := json.Marshal(Message{TenantID: tenantID, ToolID: toolID, Origin: b.origin})
	if err != nil {
		return fmt.Errorf("Publish: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("Publish: %w", err)
	}
	return nil
}

// Subscribe confirms the subscription and then delivers messages from other
// replicas to handle until stop is called or ctx ends.
func (b *Bus) Subscribe(ctx context.Context, handle func(Message)) (stop func(), err error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("Subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.logger.Warn("malformed invalidation message", zap.Error(err))
					continue
				}
				if m.Origin == b.origin {
					continue
				}
				b.logger.Debug("invalidation received",
					zap.String("tenant_id", m.TenantID),
					zap.String("tool_id", m.ToolID),
				)
				handle(m)
			}
		}
	}()

	return func() {
		ps.Close()
		<-done
	}, nil
}

func (b *Bus) Close() error {
	return b.client.Close()
}
