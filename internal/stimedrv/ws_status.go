package stimedrv

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StatusStream fans State snapshots out to every connected /ws/status
// client, grounded on the feed pack's client/manager split: a
// register/unregister map guarded by a mutex, one buffered send
// channel and one writer goroutine per client so a slow reader never
// blocks the broadcaster.
type StatusStream struct {
	driver *Driver
	log    zerolog.Logger

	mu      sync.RWMutex
	clients map[uint64]*statusClient

	upgrader websocket.Upgrader
}

type statusClient struct {
	id     uint64
	conn   *websocket.Conn
	sendCh chan State
	done   chan struct{}
	once   sync.Once
}

var statusClientIDs uint64

// NewStatusStream builds a StatusStream polling driver every interval
// and pushing a snapshot to every connected client when it changes.
func NewStatusStream(driver *Driver, log zerolog.Logger) *StatusStream {
	return &StatusStream{
		driver:   driver,
		log:      log.With().Str("component", "stime_ws_status").Logger(),
		clients:  map[uint64]*statusClient{},
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// ServeHTTP upgrades the connection and registers the client until it
// disconnects.
func (s *StatusStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &statusClient{
		id:     atomic.AddUint64(&statusClientIDs, 1),
		conn:   conn,
		sendCh: make(chan State, 8),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go s.writeLoop(c)
	c.sendCh <- s.driver.State()

	// Drain and discard anything the client sends; the connection is
	// closed the moment a read fails, which is the only event this
	// handler needs to know about on the read side.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.unregister(c)
			return
		}
	}
}

func (s *StatusStream) writeLoop(c *statusClient) {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case st, ok := <-c.sendCh:
			if !ok {
				return
			}
			body, _ := json.Marshal(st)
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				s.unregister(c)
				return
			}
		}
	}
}

func (s *StatusStream) unregister(c *statusClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Run polls the driver's state at interval and broadcasts on change,
// until ctx is cancelled.
func (s *StatusStream) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last State
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := s.driver.State()
			if statesEqual(cur, last) {
				continue
			}
			last = cur
			s.broadcast(cur)
		}
	}
}

func statesEqual(a, b State) bool {
	return a.Running == b.Running && a.StepsDone == b.StepsDone && a.StepsTotal == b.StepsTotal &&
		a.ExecutedTotal == b.ExecutedTotal && a.Cancelled == b.Cancelled && a.Error == b.Error && a.Now.Equal(b.Now)
}

func (s *StatusStream) broadcast(st State) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.sendCh <- st:
		default:
			s.log.Warn().Uint64("client", c.id).Msg("status stream client too slow, dropping snapshot")
		}
	}
}
