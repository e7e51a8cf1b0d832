// Package fanout implements the connection registry and fan-out engine: it
// owns the set of live streaming connections, keeps the backend channel
// subscriptions in lockstep with that set, dispatches inbound messages to
// matching connections, and evicts dead and stale connections.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austin-smith/fusion-bridge-sub007/internal/metrics"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/logging"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/sse"
)

var (
	// ErrShuttingDown is returned by AddConnection once shutdown has begun.
	ErrShuttingDown = errors.New("fanout: engine is shutting down")

	// ErrDuplicateConnection is returned when a connection ID is already
	// registered.
	ErrDuplicateConnection = errors.New("fanout: connection id already registered")
)

// Broker is the subset of the backend adapter the engine needs. Subscribe and
// Unsubscribe may be slow or fail under network partition; the engine never
// holds the live-set lock across these calls.
type Broker interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Config holds the engine's tunables. These are the only place the cleanup
// cadence and eviction thresholds are defined.
type Config struct {
	// CleanupInterval is the cadence of the health-check/staleness sweep.
	CleanupInterval time.Duration

	// MaxConnectionAge is the hard ceiling on a connection's lifetime. A
	// connection past this age is evicted regardless of activity.
	MaxConnectionAge time.Duration

	// StaleActivityThreshold is the idle time after which a connection is
	// probed with a heartbeat rather than trusted.
	StaleActivityThreshold time.Duration

	// ShutdownReconnectDelay is the reconnect delay suggested to clients in
	// the shutdown notice.
	ShutdownReconnectDelay time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		CleanupInterval:        time.Minute,
		MaxConnectionAge:       24 * time.Hour,
		StaleActivityThreshold: 2 * time.Hour,
		ShutdownReconnectDelay: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.MaxConnectionAge <= 0 {
		c.MaxConnectionAge = def.MaxConnectionAge
	}
	if c.StaleActivityThreshold <= 0 {
		c.StaleActivityThreshold = def.StaleActivityThreshold
	}
	if c.ShutdownReconnectDelay <= 0 {
		c.ShutdownReconnectDelay = def.ShutdownReconnectDelay
	}
	return c
}

// Engine is the connection registry and fan-out coordinator. One instance per
// process, sharing one backend adapter.
type Engine struct {
	cfg     Config
	log     logging.Logger
	broker  Broker
	metrics *metrics.Metrics

	// mu guards conns, subscribed, and pending. A channel in pending has a
	// backend subscribe/unsubscribe in flight; transitions on that channel
	// wait on subCond while every other channel proceeds independently. The
	// backend calls themselves are never made under mu, so neither dispatch
	// nor unrelated registrations block on a slow network call.
	mu         sync.RWMutex
	subCond    *sync.Cond
	conns      map[string]*Connection
	subscribed map[string]struct{}
	pending    map[string]struct{}

	removals chan string
	closed   atomic.Bool

	stats statCounters
}

// NewEngine creates an engine bound to a backend adapter. The metrics set may
// be nil (tests).
func NewEngine(cfg Config, broker Broker, logger logging.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		log:        logger,
		broker:     broker,
		metrics:    m,
		conns:      make(map[string]*Connection),
		subscribed: make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		removals:   make(chan string, 256),
	}
	e.subCond = sync.NewCond(&e.mu)
	return e
}

// Run drives the removal queue and the periodic cleanup sweep until ctx is
// cancelled. In-flight removals queued before cancellation are drained.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drainRemovals()
			return nil
		case id := <-e.removals:
			e.reapDead(context.Background(), id)
		case <-ticker.C:
			e.cleanupPass(ctx)
		}
	}
}

func (e *Engine) drainRemovals() {
	for {
		select {
		case id := <-e.removals:
			e.reapDead(context.Background(), id)
		default:
			return
		}
	}
}

// AddConnection registers a streaming connection. If this is the first
// connection needing its channel, the backend subscription is established
// first and recorded only on success; a subscribe failure leaves no
// half-registered connection behind and is propagated to the caller. Only
// transitions on the same channel wait behind the backend call.
func (e *Engine) AddConnection(ctx context.Context, p ConnectionParams) error {
	if p.ID == "" || p.OrganizationID == "" || p.Sink == nil {
		return fmt.Errorf("fanout: connection requires id, organization id, and sink")
	}
	if e.closed.Load() {
		return ErrShuttingDown
	}

	conn := newConnection(p, time.Now().UTC())
	channel := conn.channel()

	e.mu.Lock()
	for {
		if _, dup := e.conns[p.ID]; dup {
			e.mu.Unlock()
			return ErrDuplicateConnection
		}
		if _, busy := e.pending[channel]; busy {
			e.subCond.Wait()
			continue
		}
		if _, ok := e.subscribed[channel]; ok {
			e.conns[p.ID] = conn
			total := len(e.conns)
			e.mu.Unlock()
			e.logRegistered(p, channel, total)
			return nil
		}
		break
	}
	e.pending[channel] = struct{}{}
	e.mu.Unlock()

	err := e.broker.Subscribe(ctx, channel)

	e.mu.Lock()
	if err != nil {
		delete(e.pending, channel)
		e.mu.Unlock()
		e.subCond.Broadcast()
		e.stats.backendErrors.Add(1)
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if _, dup := e.conns[p.ID]; dup {
		// The same ID registered on a different channel while the subscribe
		// was in flight. Roll back; pending still fences the channel.
		e.mu.Unlock()
		_ = e.broker.Unsubscribe(ctx, channel)
		e.mu.Lock()
		delete(e.pending, channel)
		e.mu.Unlock()
		e.subCond.Broadcast()
		return ErrDuplicateConnection
	}
	delete(e.pending, channel)
	e.subscribed[channel] = struct{}{}
	e.conns[p.ID] = conn
	total := len(e.conns)
	e.mu.Unlock()
	e.subCond.Broadcast()

	e.logRegistered(p, channel, total)
	return nil
}

func (e *Engine) logRegistered(p ConnectionParams, channel string, total int) {
	if e.metrics != nil {
		e.metrics.ActiveConnections.WithLabelValues(p.OrganizationID).Inc()
	}
	e.log.WithFields(logging.Fields{
		"connection_id": p.ID,
		"org_id":        p.OrganizationID,
		"channel":       channel,
		"connections":   total,
	}).Info("Connection registered")
}

// RemoveConnection deregisters a connection and drops the backend
// subscription if no remaining connection needs the channel. Removing an
// unknown ID is a no-op; cleanup paths and explicit disconnects race to
// remove the same connection.
func (e *Engine) RemoveConnection(ctx context.Context, id string) error {
	_, err := e.remove(ctx, id)
	return err
}

// remove reports whether this call actually removed the connection, so
// counters increment exactly once per eviction.
func (e *Engine) remove(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	conn, ok := e.conns[id]
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	delete(e.conns, id)
	channel := conn.channel()
	total := len(e.conns)
	e.mu.Unlock()

	conn.closeSink()
	if e.metrics != nil {
		e.metrics.ActiveConnections.WithLabelValues(conn.organizationID).Dec()
	}
	e.log.WithFields(logging.Fields{
		"connection_id": id,
		"org_id":        conn.organizationID,
		"connections":   total,
	}).Info("Connection removed")

	// Drop the backend subscription if no remaining connection needs the
	// channel. An in-flight transition on the same channel is waited out;
	// transitions on other channels proceed independently.
	e.mu.Lock()
	for {
		if _, busy := e.pending[channel]; busy {
			e.subCond.Wait()
			continue
		}
		if _, tracked := e.subscribed[channel]; !tracked {
			e.mu.Unlock()
			return true, nil
		}
		if e.channelNeededLocked(channel) {
			e.mu.Unlock()
			return true, nil
		}
		break
	}
	e.pending[channel] = struct{}{}
	e.mu.Unlock()

	err := e.broker.Unsubscribe(ctx, channel)

	e.mu.Lock()
	delete(e.pending, channel)
	if err == nil {
		delete(e.subscribed, channel)
	}
	e.mu.Unlock()
	e.subCond.Broadcast()

	if err != nil {
		// The channel stays in the subscribed set: the backend still
		// believes we are subscribed, and the tracked state must not drift
		// from backend reality.
		e.stats.backendErrors.Add(1)
		e.log.WithError(err).WithField("channel", channel).Error("Unsubscribe failed")
		return true, fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return true, nil
}

func (e *Engine) channelNeededLocked(channel string) bool {
	for _, c := range e.conns {
		if c.channel() == channel {
			return true
		}
	}
	return false
}

// Dispatch routes one inbound backend message to every matching connection.
// Invoked by the broker's receive loop, one message at a time, preserving
// per-channel order.
func (e *Engine) Dispatch(channel string, payload []byte) {
	orgID, thumbs, ok := ParseChannel(channel)
	if !ok {
		e.log.WithField("channel", channel).Warn("Message on unrecognized channel")
		return
	}

	env, err := decodeEnvelope(payload)
	if err != nil {
		e.log.WithError(err).WithField("channel", channel).Warn("Dropping malformed message")
		return
	}

	frame := sse.FrameRaw(env.WireEvent(), env.raw)
	now := time.Now().UTC()

	e.mu.RLock()
	targets := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		if c.organizationID != orgID || c.includeThumbnails != thumbs {
			continue
		}
		if !c.accepts(env) {
			continue
		}
		targets = append(targets, c)
	}
	e.mu.RUnlock()

	// Pushes happen outside the lock, and failed connections are only
	// collected here; actual removal is deferred to the removal queue so the
	// live set is never mutated mid-iteration.
	for _, c := range targets {
		if err := c.push(frame, now); err != nil {
			e.countPushFailure("dispatch")
			e.log.WithError(err).WithFields(logging.Fields{
				"connection_id": c.id,
				"org_id":        orgID,
			}).Debug("Push failed, scheduling removal")
			e.scheduleRemoval(c.id)
			continue
		}
		if e.metrics != nil {
			e.metrics.FramesDelivered.WithLabelValues(env.WireEvent()).Inc()
		}
	}
}

// BroadcastSystem pushes a system frame to every live connection regardless
// of filters. Push failures schedule removal, same as dispatch.
func (e *Engine) BroadcastSystem(payload any) {
	frame, err := sse.Frame(sse.EventSystem, payload)
	if err != nil {
		e.log.WithError(err).Error("Failed to frame system notice")
		return
	}

	now := time.Now().UTC()
	for _, c := range e.snapshot() {
		if err := c.push(frame, now); err != nil {
			e.countPushFailure("broadcast")
			e.scheduleRemoval(c.id)
			continue
		}
		if e.metrics != nil {
			e.metrics.FramesDelivered.WithLabelValues(sse.EventSystem).Inc()
		}
	}
}

// NotifyShutdown latches the engine closed to new connections and tells every
// client when to come back. Delivery is best-effort; failed pushes are not
// retried.
func (e *Engine) NotifyShutdown() {
	e.closed.Store(true)
	e.BroadcastSystem(map[string]any{
		"message":          "server_shutdown",
		"reconnectDelayMs": e.cfg.ShutdownReconnectDelay.Milliseconds(),
	})
}

// ShuttingDown reports whether the engine has been latched closed to new
// connections.
func (e *Engine) ShuttingDown() bool {
	return e.closed.Load()
}

// DrainConnections removes every live connection, closing their sinks so
// parked handlers return promptly instead of holding the HTTP server's
// drain open. Called during shutdown after the notice broadcast.
func (e *Engine) DrainConnections(ctx context.Context) {
	for _, c := range e.snapshot() {
		_, _ = e.remove(ctx, c.id)
	}
}

// HandleBackendDown broadcasts the outage notice. The broker fires this once
// per transition into the error state.
func (e *Engine) HandleBackendDown(err error) {
	e.stats.backendErrors.Add(1)
	e.log.WithError(err).Error("Backend connection lost")
	e.BroadcastSystem(map[string]any{"message": "backend_unavailable"})
}

// HandleBackendUp broadcasts the recovery notice. The broker fires this once
// per transition back to ready, after re-establishing subscriptions.
func (e *Engine) HandleBackendUp() {
	e.log.Info("Backend connection restored")
	e.BroadcastSystem(map[string]any{"message": "backend_restored"})
}

// cleanupPass enforces the two-tier eviction policy: connections past the
// hard age ceiling are evicted outright; idle connections get a heartbeat
// probe, and only a failed probe evicts them. A push failure is the one
// reliable death signal on a silently half-closed stream.
func (e *Engine) cleanupPass(ctx context.Context) {
	e.stats.cleanupRuns.Add(1)
	now := time.Now().UTC()
	heartbeat := sse.FrameRaw(sse.EventHeartbeat, []byte(`{}`))

	for _, c := range e.snapshot() {
		if now.Sub(c.connectedAt) > e.cfg.MaxConnectionAge {
			if removed, _ := e.remove(ctx, c.id); removed {
				e.stats.staleRemoved.Add(1)
				e.countEviction("max_age")
				e.log.WithFields(logging.Fields{
					"connection_id": c.id,
					"org_id":        c.organizationID,
					"age":           now.Sub(c.connectedAt).String(),
				}).Info("Evicted connection past max age")
			}
			continue
		}

		if now.Sub(c.LastActivity()) <= e.cfg.StaleActivityThreshold {
			continue
		}

		if err := c.push(heartbeat, now); err != nil {
			e.stats.healthFailed.Add(1)
			e.countPushFailure("heartbeat")
			if removed, _ := e.remove(ctx, c.id); removed {
				e.stats.deadRemoved.Add(1)
				e.countEviction("probe_failed")
			}
			continue
		}
		e.stats.healthPassed.Add(1)
	}
}

// scheduleRemoval queues a dead connection for asynchronous removal. If the
// queue is full the removal proceeds on its own goroutine; removal is
// idempotent so racing with a concurrent explicit remove is safe.
func (e *Engine) scheduleRemoval(id string) {
	select {
	case e.removals <- id:
	default:
		go e.reapDead(context.Background(), id)
	}
}

func (e *Engine) reapDead(ctx context.Context, id string) {
	if removed, _ := e.remove(ctx, id); removed {
		e.stats.deadRemoved.Add(1)
		e.countEviction("dead")
	}
}

func (e *Engine) snapshot() []*Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

func (e *Engine) countPushFailure(path string) {
	if e.metrics != nil {
		e.metrics.PushFailures.WithLabelValues(path).Inc()
	}
}

func (e *Engine) countEviction(reason string) {
	if e.metrics != nil {
		e.metrics.Evictions.WithLabelValues(reason).Inc()
	}
}

// GetConnectionCount returns the number of live connections.
func (e *Engine) GetConnectionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// GetConnectionCountByOrganization returns the number of live connections for
// one organization.
func (e *Engine) GetConnectionCountByOrganization(orgID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	count := 0
	for _, c := range e.conns {
		if c.organizationID == orgID {
			count++
		}
	}
	return count
}

// ConnectionCountsByOrganization returns per-organization connection counts.
func (e *Engine) ConnectionCountsByOrganization() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	counts := make(map[string]int)
	for _, c := range e.conns {
		counts[c.organizationID]++
	}
	return counts
}

// SubscribedChannels returns the channels the engine currently believes are
// subscribed on the backend.
func (e *Engine) SubscribedChannels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	channels := make([]string, 0, len(e.subscribed))
	for ch := range e.subscribed {
		channels = append(channels, ch)
	}
	return channels
}

// GetStats returns a snapshot of the diagnostic counters.
func (e *Engine) GetStats() Stats {
	return e.stats.snapshot()
}

// ResetStats zeroes the diagnostic counters.
func (e *Engine) ResetStats() {
	e.stats.reset()
}
