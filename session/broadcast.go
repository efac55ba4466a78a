package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reason says why a session was invalidated.
type Reason string

const (
	ReasonLogout         Reason = "logout"
	ReasonRoleChanged    Reason = "role_changed"
	ReasonProfileUpdated Reason = "profile_updated"
	ReasonExpired        Reason = "session_expired"
)

// Invalidation tells other holders of a user's session to drop or reload it.
// Origin identifies the publishing manager so it can skip its own messages.
type Invalidation struct {
	UserID string    `json:"userId"`
	Reason Reason    `json:"reason"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Broadcaster fans invalidations out to every subscribed session holder.
type Broadcaster interface {
	Publish(ctx context.Context, inv Invalidation) error
	Subscribe(ctx context.Context) (<-chan Invalidation, func(), error)
	Close() error
}

const subscriberBuffer = 16

// LocalBroadcaster delivers invalidations within one process. Slow
// subscribers lose messages rather than block publishers.
type LocalBroadcaster struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Invalidation
	closed bool
}

// NewLocalBroadcaster returns an in-process Broadcaster.
func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{subs: make(map[int]chan Invalidation)}
}

func (l *LocalBroadcaster) Publish(_ context.Context, inv Invalidation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("broadcaster closed")
	}
	for _, ch := range l.subs {
		select {
		case ch <- inv:
		default:
		}
	}
	return nil
}

func (l *LocalBroadcaster) Subscribe(_ context.Context) (<-chan Invalidation, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, fmt.Errorf("broadcaster closed")
	}
	id := l.next
	l.next++
	ch := make(chan Invalidation, subscriberBuffer)
	l.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel, nil
}

func (l *LocalBroadcaster) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	return nil
}

// DefaultInvalidationChannel is the Redis pub/sub channel used when none is
// configured.
const DefaultInvalidationChannel = "rentauth:invalidate"

// RedisBroadcaster publishes invalidations on a Redis pub/sub channel so
// several processes sharing a user's session stay in step.
type RedisBroadcaster struct {
	redis   redis.UniversalClient
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBroadcaster returns a Broadcaster over channel.
func NewRedisBroadcaster(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{redis: client, channel: channel, logger: logger}
}

func (r *RedisBroadcaster) Publish(ctx context.Context, inv Invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := r.redis.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription.
func (r *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan Invalidation, func(), error) {
	ps := r.redis.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	out := make(chan Invalidation, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				r.logger.Warn("rentauth: dropping malformed invalidation", "channel", r.channel, "error", err)
				continue
			}
			select {
			case out <- inv:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = ps.Close() })
	}
	return out, cancel, nil
}

func (r *RedisBroadcaster) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return nil
}
