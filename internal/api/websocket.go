package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The review UI is served from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ProgressHub fans ingestion progress snapshots out to websocket subscribers,
// keyed by source name.
type ProgressHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan domain.BatchResult]struct{}
}

// NewProgressHub creates a new progress hub
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		subs: make(map[string]map[chan domain.BatchResult]struct{}),
	}
}

// Subscribe registers a listener for one source's progress. The returned
// cancel function must be called when the listener goes away.
func (h *ProgressHub) Subscribe(sourceName string) (<-chan domain.BatchResult, func()) {
	ch := make(chan domain.BatchResult, 16)

	h.mu.Lock()
	if h.subs[sourceName] == nil {
		h.subs[sourceName] = make(map[chan domain.BatchResult]struct{})
	}
	h.subs[sourceName][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[sourceName], ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers a snapshot to every subscriber of the source. Slow
// subscribers miss snapshots rather than stalling the ingestion pipeline.
func (h *ProgressHub) Broadcast(sourceName string, snapshot domain.BatchResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sourceName] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// handleIngestionSocket upgrades the connection and streams progress
// snapshots for the named source until the client disconnects.
func (s *Server) handleIngestionSocket(c *gin.Context) {
	sourceName := c.Param("name")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"source_name": sourceName,
			"error":       err,
		}).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	snapshots, cancel := s.hub.Subscribe(sourceName)
	defer cancel()

	// Drain client frames so close/ping handling works; the feed is one-way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case snapshot := <-snapshots:
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
