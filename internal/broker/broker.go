// Package broker wraps the Redis pub/sub backend behind three dedicated
// connections: one for general commands, one for publishing, and one for the
// subscriber (a connection in subscriber mode cannot issue other commands).
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	goredis "github.com/redis/go-redis/v9"

	"github.com/austin-smith/fusion-bridge-sub007/pkg/logging"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/redis"
)

// ErrNotConnected is returned when an operation runs before Connect.
var ErrNotConnected = errors.New("broker: not connected")

// Handler receives every message delivered on a subscribed channel, one
// invocation at a time.
type Handler func(channel string, payload []byte)

const (
	receiveRetryBase = time.Second
	receiveRetryMax  = 30 * time.Second
)

// Adapter manages the three backend connections and the tracked subscription
// set. go-redis re-subscribes its PubSub channels on reconnect; the tracked
// set is the adapter's own record of which channels are wanted.
type Adapter struct {
	cfg     redis.Config
	log     logging.Logger
	handler Handler
	onDown  func(error)
	onUp    func()

	mu         sync.Mutex
	connected  bool
	commands   goredis.UniversalClient
	publisher  goredis.UniversalClient
	subscriber goredis.UniversalClient
	pubsub     *goredis.PubSub
	tracked    map[string]struct{}
	down       bool
}

// NewAdapter creates an unconnected adapter.
func NewAdapter(cfg redis.Config, logger logging.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		log:     logger,
		tracked: make(map[string]struct{}),
	}
}

// OnMessage registers the single dispatch callback. Must be set before Run.
func (a *Adapter) OnMessage(h Handler) {
	a.handler = h
}

// OnStateChange registers callbacks fired once per transition into the error
// state and once per transition back to ready.
func (a *Adapter) OnStateChange(down func(error), up func()) {
	a.onDown = down
	a.onUp = up
}

// Connect lazily establishes the three backend connections. Safe to call more
// than once; subsequent calls are no-ops. The clients are built outside the
// adapter lock: the subscriber's OnConnect hook runs during the initial ping
// and takes the same lock.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	commands, err := redis.NewUniversalClient(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("commands connection: %w", err)
	}
	publisher, err := redis.NewUniversalClient(ctx, a.cfg)
	if err != nil {
		_ = commands.Close()
		return fmt.Errorf("publisher connection: %w", err)
	}

	// Reconnects on the subscriber drive the ready transition, so recovery is
	// announced as soon as the connection is back rather than on the next
	// delivered message.
	subCfg := a.cfg
	subCfg.OnConnect = func(context.Context, *goredis.Conn) error {
		a.markUp()
		return nil
	}
	subscriber, err := redis.NewUniversalClient(ctx, subCfg)
	if err != nil {
		_ = commands.Close()
		_ = publisher.Close()
		return fmt.Errorf("subscriber connection: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		_ = subscriber.Close()
		_ = publisher.Close()
		_ = commands.Close()
		return nil
	}
	a.commands = commands
	a.publisher = publisher
	a.subscriber = subscriber
	a.pubsub = subscriber.Subscribe(ctx)
	a.connected = true

	a.log.WithField("addrs", a.cfg.Addrs).Info("Backend connections established")
	return nil
}

// Commands exposes the general-command connection (health checks, ops).
func (a *Adapter) Commands() goredis.UniversalClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commands
}

// Publish sends a message on a channel, fire-and-forget.
func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) error {
	a.mu.Lock()
	publisher := a.publisher
	a.mu.Unlock()
	if publisher == nil {
		return ErrNotConnected
	}
	if err := publisher.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe adds a channel to the live subscription. The channel is recorded
// as tracked only after the backend call succeeds, so a failure cannot leave
// the tracked state claiming a subscription that does not exist.
func (a *Adapter) Subscribe(ctx context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	if _, ok := a.tracked[channel]; ok {
		return nil
	}
	if err := a.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	a.tracked[channel] = struct{}{}
	return nil
}

// Unsubscribe removes a channel. The tracked entry is dropped only after the
// backend call succeeds, so a failure cannot silently leak the subscription.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	if _, ok := a.tracked[channel]; !ok {
		return nil
	}
	if err := a.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	delete(a.tracked, channel)
	return nil
}

// Subscribed returns the tracked subscription set.
func (a *Adapter) Subscribed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	channels := make([]string, 0, len(a.tracked))
	for ch := range a.tracked {
		channels = append(channels, ch)
	}
	return channels
}

// Run is the receive loop: it reads messages from the subscriber connection
// and hands them to the dispatch callback until ctx is cancelled. Transport
// errors do not crash the process; receives are retried with backoff while
// go-redis reconnects underneath.
func (a *Adapter) Run(ctx context.Context) error {
	a.mu.Lock()
	pubsub := a.pubsub
	a.mu.Unlock()
	if pubsub == nil {
		return ErrNotConnected
	}

	retry := retrypolicy.NewBuilder[*goredis.Message]().
		WithBackoff(receiveRetryBase, receiveRetryMax).
		WithJitterFactor(0.1).
		WithMaxRetries(-1).
		HandleIf(func(_ *goredis.Message, err error) bool {
			return err != nil && ctx.Err() == nil
		}).
		Build()

	for {
		msg, err := failsafe.With(retry).WithContext(ctx).Get(func() (*goredis.Message, error) {
			m, recvErr := pubsub.ReceiveMessage(ctx)
			if recvErr != nil && ctx.Err() == nil {
				a.markDown(recvErr)
			}
			return m, recvErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive message: %w", err)
		}

		// Backstop for the OnConnect hook.
		a.markUp()

		if a.handler != nil {
			a.handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// markDown latches the error state; the transition callback fires once per
// outage no matter how many receive attempts fail.
func (a *Adapter) markDown(err error) {
	a.mu.Lock()
	if a.down {
		a.mu.Unlock()
		return
	}
	a.down = true
	cb := a.onDown
	a.mu.Unlock()

	a.log.WithError(err).Error("Backend connection error")
	if cb != nil {
		cb(err)
	}
}

// markUp clears the latch once the subscriber connection is back. go-redis's
// PubSub re-issues its channel set itself on reconnect, so the tracked
// subscriptions come back without any action here.
func (a *Adapter) markUp() {
	a.mu.Lock()
	if !a.down {
		a.mu.Unlock()
		return
	}
	a.down = false
	channels := len(a.tracked)
	cb := a.onUp
	a.mu.Unlock()

	a.log.WithField("channels", channels).Info("Backend connection recovered")
	if cb != nil {
		cb()
	}
}

// Close tears down all three backend connections.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false

	var errs []error
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, client := range []goredis.UniversalClient{a.subscriber, a.publisher, a.commands} {
		if client == nil {
			continue
		}
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
