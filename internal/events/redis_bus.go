package events

import (
	"context"
	"log"
	"time"
)

// RedisPublisher is the narrow Redis surface the mirror needs. Implemented
// by infra.RedisAdapter; kept as an interface so tests can stub it.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisEventBus wraps the in-memory EventBus and mirrors every event onto a
// Redis channel, so sidecar processes on the same host (log shippers, local
// dashboards) can tail the control-plane stream without linking the core.
type RedisEventBus struct {
	*EventBus

	pub     RedisPublisher
	channel string
	logger  *log.Logger
}

// NewRedisEventBus creates a Redis-mirrored event bus.
func NewRedisEventBus(pub RedisPublisher, channel string) *RedisEventBus {
	if channel == "" {
		channel = "apex:events"
	}
	return &RedisEventBus{
		EventBus: NewEventBus(),
		pub:      pub,
		channel:  channel,
		logger:   log.New(log.Writer(), "[REDIS-EVENTS] ", log.LstdFlags),
	}
}

// Emit creates a CloudEvent, mirrors it to Redis and fans out locally.
func (rb *RedisEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)

	payload, err := event.JSON()
	if err != nil {
		rb.logger.Printf("marshal event %s failed: %v", event.ID, err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rb.pub.Publish(ctx, rb.channel, payload); err != nil {
			rb.logger.Printf("redis publish failed: %s -> %v", event.ID, err)
		}
		cancel()
	}

	rb.EventBus.Publish(event)
}

var _ EventEmitter = (*RedisEventBus)(nil)
