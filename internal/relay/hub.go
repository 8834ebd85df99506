// Package relay implements C6: the stateless fan-out relay. Every
// well-formed operation received from a participant is delivered to
// every other currently connected participant in the same document, and
// synced operations are acknowledged back to their sender. The relay
// never parses an operation beyond validating its shape and never
// persists document content.
package relay

import (
	"context"
	"log"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/collabtext/replica/internal/wire"
)

// Client is one connected participant.
type Client struct {
	hub  *Hub
	conn Conn
	send chan []byte
}

func (c *Client) readPump(ctx context.Context) error {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.hub.inbound <- inboundMsg{from: c, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) writePump(ctx context.Context) error {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return nil
			}
			if err := c.conn.WriteMessage(data); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) offer(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.logger.Printf("client send buffer full, dropping a frame")
	}
}

type inboundMsg struct {
	from *Client
	data []byte
}

// Hub is the fan-out room for a single document: every operation a
// locally connected client sends is broadcast to every other locally
// connected client and published on the cross-instance Bus; every
// message arriving on the Bus from another instance is delivered to all
// locally connected clients.
type Hub struct {
	docID  string
	bus    Bus
	logger *log.Logger

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMsg
	occupancy  chan occupancyQuery

	clients map[*Client]bool
}

// occupancyQuery is how Occupancy reads h.clients without racing the
// event loop goroutine that owns it: the count is computed inside Run's
// select, the same way register/unregister mutate the map.
type occupancyQuery struct {
	resp chan int
}

// NewHub creates an (unstarted) hub for docID. Call Run to drive it.
func NewHub(docID string, bus Bus, logger *log.Logger) *Hub {
	if bus == nil {
		bus = NoopBus{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[relay] ", log.LstdFlags)
	}
	return &Hub{
		docID:      docID,
		bus:        bus,
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundMsg, 256),
		occupancy:  make(chan occupancyQuery),
		clients:    make(map[*Client]bool),
	}
}

// Occupancy returns the number of locally connected clients. It asks the
// event loop goroutine for the count rather than reading h.clients
// directly, since that map is owned by Run and mutated without a lock.
func (h *Hub) Occupancy() int {
	resp := make(chan int, 1)
	h.occupancy <- occupancyQuery{resp: resp}
	return <-resp
}

// Run drives the hub's single event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	busCh, unsubscribe, err := h.bus.Subscribe(ctx, h.docID)
	if err != nil {
		h.logger.Printf("doc %s: bus subscribe failed, running single-instance: %v", h.docID, err)
	}
	if unsubscribe != nil {
		defer unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Printf("doc %s: participant connected (%d total)", h.docID, len(h.clients))
			h.broadcastUsersUpdate()

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Printf("doc %s: participant disconnected (%d total)", h.docID, len(h.clients))
				h.broadcastUsersUpdate()
			}

		case m := <-h.inbound:
			h.handleInbound(ctx, m)

		case q := <-h.occupancy:
			q.resp <- len(h.clients)

		case data, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			h.fanOutLocal(nil, data)
		}
	}
}

func (h *Hub) handleInbound(ctx context.Context, m inboundMsg) {
	msg, err := wire.DecodeClientMessage(m.data)
	if err != nil {
		if ack, encErr := wire.EncodeOperationAck("", false, err.Error()); encErr == nil {
			m.from.offer(ack)
		}
		return
	}

	op, err := msg.Operation.ToOperation()
	if err != nil {
		if msg.IsSync {
			if ack, encErr := wire.EncodeOperationAck(msg.OperationID, false, err.Error()); encErr == nil {
				m.from.offer(ack)
			}
		}
		return
	}

	out, err := wire.EncodeOperationMessage(op)
	if err != nil {
		h.logger.Printf("doc %s: encode broadcast: %v", h.docID, err)
		return
	}

	h.fanOutLocal(m.from, out)
	if err := h.bus.Publish(ctx, h.docID, out); err != nil {
		h.logger.Printf("doc %s: bus publish: %v", h.docID, err)
	}

	if msg.IsSync && msg.OperationID != "" {
		if ack, encErr := wire.EncodeOperationAck(msg.OperationID, true, ""); encErr == nil {
			m.from.offer(ack)
		}
	}
}

func (h *Hub) fanOutLocal(except *Client, data []byte) {
	for c := range h.clients {
		if c == except {
			continue
		}
		c.offer(data)
	}
}

func (h *Hub) broadcastUsersUpdate() {
	data, err := wire.EncodeUsersUpdate(len(h.clients))
	if err != nil {
		h.logger.Printf("doc %s: encode users_update: %v", h.docID, err)
		return
	}
	for c := range h.clients {
		c.offer(data)
	}
}

// ServeWS upgrades r to a WebSocket, registers the resulting client with
// hub, and supervises its paired read/write pumps with an errgroup: if
// either goroutine fails, the group's context is cancelled so the other
// unwinds too, and the client is always unregistered exactly once.
func ServeWS(ctx context.Context, hub *Hub, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrade(w, r)
	if err != nil {
		return err
	}

	c := &Client{hub: hub, conn: conn, send: make(chan []byte, 256)}
	hub.register <- c

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writePump(gctx) })
	g.Go(func() error { return c.readPump(gctx) })

	go func() {
		_ = g.Wait()
		hub.unregister <- c
		conn.Close()
	}()
	return nil
}

// Registry lazily creates and tracks one Hub per document id.
type Registry struct {
	mu     sync.Mutex
	hubs   map[string]*Hub
	bus    Bus
	logger *log.Logger
}

// NewRegistry creates an empty Registry. bus may be nil for a
// single-instance deployment (NoopBus).
func NewRegistry(bus Bus, logger *log.Logger) *Registry {
	return &Registry{hubs: make(map[string]*Hub), bus: bus, logger: logger}
}

// HubFor returns the hub for docID, creating and starting it on first
// use.
func (reg *Registry) HubFor(ctx context.Context, docID string) *Hub {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if h, ok := reg.hubs[docID]; ok {
		return h
	}
	h := NewHub(docID, reg.bus, reg.logger)
	reg.hubs[docID] = h
	go h.Run(ctx)
	return h
}
