package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/gofdm/pkg/config"
	"github.com/itohio/gofdm/pkg/sample"
	"github.com/itohio/gofdm/pkg/session"
)

// Hub is a live consumer of the sample history. It polls the source at a
// fixed interval and pushes new rows and session status to every connected
// websocket client.
//
// Polling never blocks the producer; a client that cannot keep up is
// disconnected.
type Hub struct {
	source    sample.Consumer
	interval  time.Duration
	maxPoints int

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	statuses   chan session.Session
	mu         sync.RWMutex

	// Owned by Run
	sent      int       // Samples already streamed
	sessionID uuid.UUID // Session the streamed samples belong to
	status    []byte    // Last status message, replayed to new clients

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub streaming from source.
func NewHub(source sample.Consumer, cfg *config.StreamConfig) *Hub {
	if cfg == nil {
		cfg = &config.Default().Stream
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = config.Default().Stream.Interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		source:     source,
		interval:   interval,
		maxPoints:  cfg.MaxPoints,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		statuses:   make(chan session.Session, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run serves clients until Shutdown is called.
func (h *Hub) Run() {
	log.Printf("Stream hub started, polling every %v", h.interval)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.closeAllClients()
			log.Println("Stream hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Stream client %s connected from %s, %d total", c.id, c.remoteAddr, count)
			h.sendInitial(c)

		case c := <-h.unregister:
			h.remove(c)

		case s := <-h.statuses:
			h.applySession(s)

		case <-ticker.C:
			h.poll()
		}
	}
}

// Shutdown stops the hub and disconnects all clients.
func (h *Hub) Shutdown() {
	h.cancel()
}

// PublishSession queues a session update for all clients. It never blocks
// and is safe to pass to session.Controller.OnUpdate.
func (h *Hub) PublishSession(s session.Session) {
	select {
	case h.statuses <- s:
	default:
		log.Printf("Stream hub busy, dropped %s status", s.State)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// poll streams the rows appended since the last poll.
func (h *Hub) poll() {
	// Status updates queued before the samples they describe come first
	h.drainStatuses()

	snap := h.source.Snapshot(-1)
	if len(snap) < h.sent {
		h.reset()
	}
	if len(snap) == h.sent {
		return
	}

	msg, err := encode(TypeSamples, Samples{
		From:  h.sent,
		Total: len(snap),
		Rows:  sample.Rows(snap[h.sent:]),
	})
	if err != nil {
		log.Printf("Failed to encode samples: %v", err)
		return
	}
	h.sent = len(snap)
	h.broadcast(msg)
}

func (h *Hub) drainStatuses() {
	for {
		select {
		case s := <-h.statuses:
			h.applySession(s)
		default:
			return
		}
	}
}

// applySession broadcasts a status update. A different session means the
// history was cleared.
func (h *Hub) applySession(s session.Session) {
	if s.ID != h.sessionID {
		h.sessionID = s.ID
		if h.sent > 0 {
			h.reset()
		}
	}

	msg, err := encode(TypeStatus, NewStatus(s))
	if err != nil {
		log.Printf("Failed to encode status: %v", err)
		return
	}
	h.status = msg
	h.broadcast(msg)
}

func (h *Hub) reset() {
	h.sent = 0
	if msg, err := encode(TypeReset, nil); err == nil {
		h.broadcast(msg)
	}
}

// sendInitial greets a new client with its ID, the last status and the
// display window of everything streamed so far.
func (h *Hub) sendInitial(c *Client) {
	welcome, err := encode(TypeWelcome, Welcome{ClientID: c.id})
	if err != nil {
		log.Printf("Failed to encode welcome: %v", err)
		return
	}
	if !h.sendTo(c, welcome) {
		return
	}

	if h.status != nil && !h.sendTo(c, h.status) {
		return
	}

	window := sample.Downsample(nil, h.source.Snapshot(h.sent), h.maxPoints)
	history, err := encode(TypeHistory, Samples{
		From:  0,
		Total: h.sent,
		Rows:  sample.Rows(window),
	})
	if err != nil {
		log.Printf("Failed to encode history: %v", err)
		return
	}
	h.sendTo(c, history)
}

// broadcast queues msg for every client, dropping those that are full.
func (h *Hub) broadcast(msg []byte) {
	h.mu.RLock()
	var dead []*Client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			dead = append(dead, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range dead {
		log.Printf("Stream client %s too slow, disconnecting", c.id)
		h.remove(c)
	}
}

func (h *Hub) sendTo(c *Client, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		h.remove(c)
		return false
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		log.Printf("Stream client %s disconnected, %d total", c.id, len(h.clients))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}
