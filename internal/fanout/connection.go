package fanout

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrSinkClosed is returned by sinks whose remote end is gone. Any push error
// is treated as a death signal; this sentinel exists so sink implementations
// can report an orderly local close distinctly in logs.
var ErrSinkClosed = errors.New("fanout: sink closed")

// Sink is the write handle the engine pushes framed bytes into. Writes may
// fail if the remote end is gone; a failed push is never retried. Sinks that
// also implement io.Closer are closed when the engine removes the connection,
// which is how the HTTP layer learns about teardown.
type Sink interface {
	Push(frame []byte) error
}

// Filter holds a connection's subscription filters. A nil/empty dimension
// accepts everything on that dimension.
type Filter struct {
	Categories []string
	Types      []string
	AlarmOnly  bool
}

// ConnectionParams is the registration request handed to the engine by the
// HTTP layer.
type ConnectionParams struct {
	ID                string
	OrganizationID    string
	Sink              Sink
	Filter            Filter
	IncludeThumbnails bool
}

// Connection is one long-lived streaming client session, exclusively owned by
// the engine for its lifetime.
type Connection struct {
	id                string
	organizationID    string
	includeThumbnails bool

	categories map[string]struct{} // nil means accept all
	types      map[string]struct{} // nil means accept all
	alarmOnly  bool

	sink        Sink
	connectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

func newConnection(p ConnectionParams, now time.Time) *Connection {
	return &Connection{
		id:                p.ID,
		organizationID:    p.OrganizationID,
		includeThumbnails: p.IncludeThumbnails,
		categories:        toSet(p.Filter.Categories),
		types:             toSet(p.Filter.Types),
		alarmOnly:         p.Filter.AlarmOnly,
		sink:              p.Sink,
		connectedAt:       now,
		lastActivity:      now,
	}
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// ID returns the connection's opaque unique ID.
func (c *Connection) ID() string { return c.id }

// OrganizationID returns the owning tenant.
func (c *Connection) OrganizationID() string { return c.organizationID }

// ConnectedAt returns when the connection was registered.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the last successful push.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// channel returns the backend channel this connection needs.
func (c *Connection) channel() string {
	return ChannelFor(c.organizationID, c.includeThumbnails)
}

// push writes one frame to the sink and refreshes last-activity on success.
func (c *Connection) push(frame []byte, now time.Time) error {
	if err := c.sink.Push(frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
	return nil
}

// closeSink tears down the sink if it supports closing, notifying the HTTP
// layer that the connection is gone.
func (c *Connection) closeSink() {
	if closer, ok := c.sink.(io.Closer); ok {
		_ = closer.Close()
	}
}

// accepts evaluates the filter predicate for an ordinary event. Arming
// notices bypass this entirely.
func (c *Connection) accepts(env *Envelope) bool {
	if env.IsArming() {
		return true
	}
	if c.alarmOnly && !env.IsAlarmEvent {
		return false
	}
	if c.categories != nil {
		if _, ok := c.categories[env.Category]; !ok {
			return false
		}
	}
	if c.types != nil {
		if _, ok := c.types[env.Type]; !ok {
			return false
		}
	}
	return true
}
