package realtime

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marginalia/internal/store"
	"marginalia/internal/textdoc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// UpdateLog is the durable history a hub replays on first use.
type UpdateLog interface {
	AppendUpdate(ctx context.Context, documentID, originAgent string, payload []byte) (int64, error)
	ListUpdates(ctx context.Context, documentID string, afterID int64) ([]store.DocumentUpdate, error)
}

// Relay serves document replicas over websockets. Every document with at
// least one connected replica has a hub holding the relay's own replica.
type Relay struct {
	ctx      context.Context
	log      UpdateLog
	bus      Bus
	upgrader websocket.Upgrader

	mu   sync.Mutex
	hubs map[string]*hub
}

// NewRelay builds a relay. bus may be nil for a single-node deployment.
func NewRelay(ctx context.Context, updateLog UpdateLog, bus Bus) *Relay {
	return &Relay{
		ctx: ctx,
		log: updateLog,
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		hubs: make(map[string]*hub),
	}
}

// ServeWS upgrades the request and attaches the connection to the hub of
// documentID. Authorization is the caller's job.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request, documentID string) error {
	h, err := r.acquire(documentID)
	if err != nil {
		return err
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.release(h)
		return fmt.Errorf("upgrade: %w", err)
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go c.writePump()
	go c.readPump()
	return nil
}

// Documents returns the number of documents with an active hub.
func (r *Relay) Documents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

func (r *Relay) acquire(documentID string) (*hub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[documentID]; ok {
		h.refs++
		return h, nil
	}
	h, err := r.openHub(documentID)
	if err != nil {
		return nil, err
	}
	h.refs = 1
	r.hubs[documentID] = h
	return h, nil
}

func (r *Relay) release(h *hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.refs--
	if h.refs > 0 {
		return
	}
	delete(r.hubs, h.documentID)
	h.cancel()
}

// openHub subscribes to the bus before replaying the log, so an update
// another node appends during the replay arrives on the subscription.
// Updates seen both ways are applied once.
func (r *Relay) openHub(documentID string) (*hub, error) {
	ctx, cancel := context.WithCancel(r.ctx)
	var updates <-chan textdoc.Update
	if r.bus != nil {
		var err error
		updates, err = r.bus.Subscribe(ctx, documentID)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	doc := textdoc.New("relay")
	entries, err := r.log.ListUpdates(r.ctx, documentID, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	for _, entry := range entries {
		u, err := textdoc.DecodeUpdate(entry.Payload)
		if err != nil {
			log.Printf("realtime: skip log entry %d of %s: %v", entry.ID, documentID, err)
			continue
		}
		if err := doc.Apply(u); err != nil {
			log.Printf("realtime: apply log entry %d of %s: %v", entry.ID, documentID, err)
		}
	}

	h := &hub{
		relay:      r,
		documentID: documentID,
		doc:        doc,
		clients:    make(map[*client]struct{}),
		cancel:     cancel,
	}
	if updates != nil {
		go h.consumeBus(updates)
	}
	return h, nil
}

type hub struct {
	relay      *Relay
	documentID string
	doc        *textdoc.Document
	cancel     context.CancelFunc
	refs       int

	mu      sync.Mutex
	clients map[*client]struct{}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("realtime: replica joined %s (%d connected)", h.documentID, n)
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("realtime: replica left %s (%d connected)", h.documentID, n)
	h.relay.release(h)
}

// integrate applies u and returns the ops the hub had not seen.
func (h *hub) integrate(u textdoc.Update) (textdoc.Update, error) {
	before := h.doc.StateVector()
	if err := h.doc.Apply(u); err != nil {
		return textdoc.Update{}, err
	}
	return h.doc.UpdatesSince(before), nil
}

// handleUpdate takes an update from a connected replica.
func (h *hub) handleUpdate(from *client, u textdoc.Update) error {
	h.mu.Lock()
	fresh, err := h.integrate(u)
	if err != nil || fresh.Empty() {
		h.mu.Unlock()
		return err
	}
	h.broadcastLocked(from, fresh)
	h.mu.Unlock()

	payload, err := textdoc.EncodeUpdate(fresh)
	if err != nil {
		return err
	}
	if _, err := h.relay.log.AppendUpdate(h.relay.ctx, h.documentID, fresh.Ops[0].ID.Agent, payload); err != nil {
		log.Printf("realtime: persist update for %s: %v", h.documentID, err)
	}
	if h.relay.bus != nil {
		if err := h.relay.bus.Publish(h.relay.ctx, h.documentID, fresh); err != nil {
			log.Printf("realtime: publish update for %s: %v", h.documentID, err)
		}
	}
	return nil
}

// consumeBus applies updates relayed by other nodes. They are already in
// the shared log.
func (h *hub) consumeBus(updates <-chan textdoc.Update) {
	for u := range updates {
		h.mu.Lock()
		fresh, err := h.integrate(u)
		if err != nil {
			log.Printf("realtime: apply bus update for %s: %v", h.documentID, err)
		} else if !fresh.Empty() {
			h.broadcastLocked(nil, fresh)
		}
		h.mu.Unlock()
	}
}

func (h *hub) broadcastLocked(from *client, u textdoc.Update) {
	data, err := EncodeFrame(Frame{Type: FrameUpdate, Update: &u})
	if err != nil {
		log.Printf("realtime: encode broadcast for %s: %v", h.documentID, err)
		return
	}
	for c := range h.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			// too slow; it resyncs on reconnect
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// syncReply answers a sync_request: the ops the replica lacks, then
// sync_done carrying the hub's state vector so the replica can push back
// what the hub lacks.
func (h *hub) syncReply(sv textdoc.StateVector) ([][]byte, error) {
	h.mu.Lock()
	missing := h.doc.UpdatesSince(sv)
	vector := h.doc.StateVector()
	h.mu.Unlock()

	var frames [][]byte
	if !missing.Empty() {
		data, err := EncodeFrame(Frame{Type: FrameUpdate, Update: &missing})
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	done, err := EncodeFrame(Frame{Type: FrameSyncDone, StateVector: vector})
	if err != nil {
		return nil, err
	}
	return append(frames, done), nil
}

type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: read from replica of %s: %v", c.hub.documentID, err)
			}
			return
		}
		frame, err := DecodeFrame(message)
		if err != nil {
			log.Printf("realtime: %v", err)
			continue
		}
		switch frame.Type {
		case FrameSyncRequest:
			frames, err := c.hub.syncReply(frame.StateVector)
			if err != nil {
				log.Printf("realtime: sync reply for %s: %v", c.hub.documentID, err)
				return
			}
			if !c.enqueue(frames...) {
				return
			}
		case FrameUpdate:
			if err := c.hub.handleUpdate(c, *frame.Update); err != nil {
				log.Printf("realtime: update for %s: %v", c.hub.documentID, err)
			}
		}
	}
}

// enqueue hands frames to the write pump. It reports false when the client
// was already dropped.
func (c *client) enqueue(frames ...[]byte) bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return false
	}
	for _, data := range frames {
		select {
		case c.send <- data:
		default:
			delete(c.hub.clients, c)
			close(c.send)
			return false
		}
	}
	return true
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
