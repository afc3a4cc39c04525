// internal/stream/streamer.go
package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/InsightForge/oracle/internal/watcher"
)

// Message is one live update pushed to a websocket subscriber.
type Message struct {
	ResourceID  string          `json:"resource_id"`
	Fingerprint string          `json:"fingerprint"`
	Timestamp   time.Time       `json:"timestamp"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
}

type subscriber struct {
	resource  string
	msgs      chan []byte
	closeSlow func()
}

// Streamer fans watcher changes out to websocket subscribers grouped
// by resource. Slow subscribers get dropped rather than stalling the
// rest.
type Streamer struct {
	logger       *zap.Logger
	watch        *watcher.Watcher
	msgBuffer    int
	writeTimeout time.Duration

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}

	done chan struct{}
}

// New creates a Streamer pumping the watcher's change stream. Close
// the watcher to stop the pump.
func New(logger *zap.Logger, w *watcher.Watcher) *Streamer {
	s := &Streamer{
		logger:       logger,
		watch:        w,
		msgBuffer:    16,
		writeTimeout: 5 * time.Second,
		subs:         make(map[string]map[*subscriber]struct{}),
		done:         make(chan struct{}),
	}
	go s.pump()
	return s
}

// Done is closed once the watcher change stream has drained.
func (s *Streamer) Done() <-chan struct{} { return s.done }

func (s *Streamer) pump() {
	defer close(s.done)
	for change := range s.watch.Changes() {
		s.broadcast(change)
	}
}

func (s *Streamer) broadcast(change watcher.Change) {
	msg := Message{
		ResourceID:  change.Resource,
		Fingerprint: change.Fingerprint,
		Timestamp:   time.Now().UTC(),
	}
	if data, err := os.ReadFile(change.Resource); err == nil && json.Valid(data) {
		msg.Snapshot = data
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal stream message", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[change.Resource] {
		select {
		case sub.msgs <- payload:
		default:
			go sub.closeSlow()
		}
	}
}

// SubscriberCount reports live subscribers for a resource.
func (s *Streamer) SubscriberCount(resource string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[resource])
}

func (s *Streamer) addSubscriber(sub *subscriber) {
	s.mu.Lock()
	if s.subs[sub.resource] == nil {
		s.subs[sub.resource] = make(map[*subscriber]struct{})
	}
	s.subs[sub.resource][sub] = struct{}{}
	s.mu.Unlock()
}

func (s *Streamer) deleteSubscriber(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs[sub.resource], sub)
	if len(s.subs[sub.resource]) == 0 {
		delete(s.subs, sub.resource)
	}
	s.mu.Unlock()
}

// Subscribe upgrades the request to a websocket and pushes changes for
// the resource until the client disconnects or falls behind. It blocks
// for the lifetime of the connection.
func (s *Streamer) Subscribe(w http.ResponseWriter, r *http.Request, resource string) error {
	handle, err := s.watch.Watch(resource)
	if err != nil {
		return err
	}
	defer s.watch.Unwatch(handle)

	var mu sync.Mutex
	var c *websocket.Conn
	var closed bool
	sub := &subscriber{
		resource: handle.Resource(),
		msgs:     make(chan []byte, s.msgBuffer),
		closeSlow: func() {
			mu.Lock()
			defer mu.Unlock()
			closed = true
			if c != nil {
				c.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with changes")
			}
		},
	}
	s.addSubscriber(sub)
	defer s.deleteSubscriber(sub)

	c2, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	mu.Lock()
	if closed {
		mu.Unlock()
		return net.ErrClosed
	}
	c = c2
	mu.Unlock()
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	s.logger.Debug("stream subscriber connected",
		zap.String("resource", sub.resource))

	for {
		select {
		case msg := <-sub.msgs:
			if err := writeTimeout(ctx, s.writeTimeout, c, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeTimeout(ctx context.Context, timeout time.Duration, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, msg)
}
