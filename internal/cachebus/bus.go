// Package cachebus fans effective-permission cache invalidations out to every process sharing the
// same role store, over Redis pub/sub.
package cachebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/obs"
	"tenantguard.org/internal/rbac"
)

// DefaultChannel is used when none is configured.
const DefaultChannel = "tenantguard:rbac:invalidate"

// Invalidator drops cached entries; *rbac.Cache satisfies it.
type Invalidator interface {
	Invalidate(roleIDs ...string)
	// Purge drops everything. Called after a reconnect, when messages may have been missed.
	Purge()
}

type message struct {
	Origin  string   `json:"origin"`
	RoleIDs []string `json:"role_ids"`
}

// Bus publishes and receives invalidations. Each Bus has a random origin id so a process skips its
// own messages; its local cache was already invalidated before publishing.
type Bus struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *logrus.Logger
}

var _ rbac.InvalidationNotifier = (*Bus)(nil)

// Option configures Bus.
type Option func(*Bus)

// WithLogger overrides the shared logger.
func WithLogger(l *logrus.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New wraps client. An empty channel selects DefaultChannel.
func New(client *redis.Client, channel string, opts ...Option) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	b := &Bus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  obs.Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin identifies this process on the channel.
func (b *Bus) Origin() string { return b.origin }

// PublishInvalidation implements rbac.InvalidationNotifier.
func (b *Bus) PublishInvalidation(ctx context.Context, roleIDs []string) error {
	if len(roleIDs) == 0 {
		return nil
	}
	payload, err := json.Marshal(message{Origin: b.origin, RoleIDs: roleIDs})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Listener is an active subscription.
type Listener struct {
	bus *Bus
	sub *redis.PubSub
}

// Subscribe returns once Redis has confirmed the subscription, so messages published afterwards are
// delivered.
func (b *Bus) Subscribe(ctx context.Context) (*Listener, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	return &Listener{bus: b, sub: sub}, nil
}

// Run applies remote invalidations to inv until ctx is done or the subscription is closed.
func (l *Listener) Run(ctx context.Context, inv Invalidator) error {
	ch := l.sub.ChannelWithSubscriptions(ctx, 100)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("invalidation subscription closed")
			}
			l.dispatch(msg, inv)
		}
	}
}

func (l *Listener) dispatch(msg interface{}, inv Invalidator) {
	switch m := msg.(type) {
	case *redis.Message:
		l.handle(m.Payload, inv)
	case *redis.Subscription:
		// The first confirmation was consumed by Subscribe; any later one follows a reconnect.
		if m.Kind == "subscribe" {
			inv.Purge()
			l.bus.logger.WithField("channel", m.Channel).Warn("invalidation channel resubscribed, cache purged")
		}
	}
}

func (l *Listener) handle(payload string, inv Invalidator) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		l.bus.logger.WithError(err).Warn("malformed invalidation message")
		return
	}
	if m.Origin == l.bus.origin || len(m.RoleIDs) == 0 {
		return
	}
	inv.Invalidate(m.RoleIDs...)
	l.bus.logger.WithFields(logrus.Fields{"origin": m.Origin, "role_ids": m.RoleIDs}).Debug("remote invalidation applied")
}

func (l *Listener) Close() error { return l.sub.Close() }
