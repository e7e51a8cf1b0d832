package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/austin-smith/fusion-bridge-sub007/internal/fanout"
)

const wsWriteWait = 10 * time.Second

// sseSink adapts a flushable HTTP response writer into a fanout.Sink. Close
// is called by the engine on teardown; the handler parks on Done so it only
// returns after the sink can no longer be written.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	once    sync.Once
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher, done: make(chan struct{})}
}

func (s *sseSink) Push(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return fanout.ErrSinkClosed
	default:
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close waits out any in-flight push before returning, so the response writer
// is never touched after the handler unparks.
func (s *sseSink) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	})
	return nil
}

func (s *sseSink) Done() <-chan struct{} {
	return s.done
}

// wsSink adapts a WebSocket connection into a fanout.Sink. Frames are written
// as text messages. Closing the underlying connection unblocks the handler's
// read pump, which is how teardown propagates.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Push(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fanout.ErrSinkClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
