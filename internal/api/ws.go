package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cognigraph/backend/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second

	// wsSendBuffer bounds a client's outbound queue. A client that
	// cannot keep up loses events and recovers via resume_from_seq.
	wsSendBuffer = 256
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// resumeRequest is the only client-to-server message: replay everything
// after the given sequence number.
type resumeRequest struct {
	ResumeFromSeq int64 `json:"resume_from_seq"`
}

// Streamer fans bus events out to WebSocket clients. Delivery is
// best-effort; the durable log plus resume_from_seq covers the gaps.
type Streamer struct {
	log    *events.Log
	logger *log.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewStreamer builds the streamer; eventLog may be nil, which disables
// resume.
func NewStreamer(eventLog *events.Log) *Streamer {
	return &Streamer{
		log:    eventLog,
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]bool),
	}
}

// Start attaches to the bus and forwards events until ctx ends.
func (s *Streamer) Start(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe("ws", 512)
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				raw, err := e.JSON()
				if err != nil {
					continue
				}
				s.broadcast(raw)
			}
		}
	}()
}

func (s *Streamer) broadcast(raw []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- raw:
		default:
			// Slow client; it can resume from the log.
		}
	}
}

// Handle upgrades the connection and runs the pumps.
func (s *Streamer) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	go s.writePump(c)
	s.readPump(c)
}

func (s *Streamer) drop(c *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

// readPump consumes resume requests until the client goes away.
func (s *Streamer) readPump(c *wsClient) {
	defer s.drop(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req resumeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		s.resume(c, req.ResumeFromSeq)
	}
}

// resume queues every logged event after the checkpoint onto the
// client's send channel.
func (s *Streamer) resume(c *wsClient, fromSeq int64) {
	if s.log == nil {
		return
	}
	replay, err := s.log.ReadRange(fromSeq+1, 0)
	if err != nil {
		s.logger.Printf("resume read failed: %v", err)
		return
	}
	for _, e := range replay {
		raw, err := e.JSON()
		if err != nil {
			continue
		}
		select {
		case c.send <- raw:
		default:
			return
		}
	}
}

func (s *Streamer) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount reports connected WS clients.
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
