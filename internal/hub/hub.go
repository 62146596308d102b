// Package hub is the Event Hub: a per-workspace publish/subscribe fanout
// of canonical envelopes over websocket, with legacy-shape compatibility
// and reconnect replay backed by the Session Store.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/store"
)

// Hub fans canonical envelopes out to clients subscribed to the matching
// workspace. Structure mirrors the teacher's websocket hub (register/
// unregister/broadcast channels processed by one goroutine) generalized
// from task-keyed to workspace-keyed routing, plus a taskID lookup used to
// address legacy shapes (which key by taskId, not sessionId).
type Hub struct {
	store *store.Store

	clients          map[*Client]bool
	workspaceClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	publishCh  chan publishRequest

	mu     sync.RWMutex
	logger *logger.Logger
}

type publishRequest struct {
	env    Envelope
	taskID string
}

// NewHub builds a Hub. store may be nil if reconnect replay is not needed
// (e.g. in tests exercising only live fanout).
func NewHub(st *store.Store, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		store:            st,
		clients:          make(map[*Client]bool),
		workspaceClients: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		publishCh:        make(chan publishRequest, 256),
		logger:           log.WithFields(zap.String("component", "event_hub")),
	}
}

// Run processes registrations and publishes until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event hub started")
	defer h.logger.Info("event hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.workspaceClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for ws := range c.workspaces {
					if set, ok := h.workspaceClients[ws]; ok {
						delete(set, c)
						if len(set) == 0 {
							delete(h.workspaceClients, ws)
						}
					}
				}
			}
			h.mu.Unlock()

		case req := <-h.publishCh:
			h.deliver(req)
		}
	}
}

// deliver fans one envelope out to every client subscribed to its
// workspace (or subscribed to none, meaning "all" per spec §4.5), emitting
// both canonical and legacy shapes.
func (h *Hub) deliver(req publishRequest) {
	canonical, err := json.Marshal(req.env)
	if err != nil {
		h.logger.Error("marshal envelope", zap.Error(err))
		return
	}
	legacy := legacyEnvelopesFor(req.env, req.taskID)

	h.mu.RLock()
	var targets []*Client
	if req.env.WorkspaceID == "" {
		for c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		for c := range h.clients {
			if len(c.workspaces) == 0 || c.workspaces[req.env.WorkspaceID] {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.deliver(canonical)
		for _, msg := range legacy {
			c.deliver(msg)
		}
	}
}

// Publish enqueues one canonical envelope for fanout. taskID, if known, is
// used to address legacy `task-chat:*` shapes.
func (h *Hub) Publish(env Envelope, taskID string) {
	h.publishCh <- publishRequest{env: env, taskID: taskID}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

func (h *Hub) subscribe(c *Client, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.workspaces[workspaceID] = true
	if _, ok := h.workspaceClients[workspaceID]; !ok {
		h.workspaceClients[workspaceID] = make(map[*Client]bool)
	}
	h.workspaceClients[workspaceID][c] = true
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// reconnectReplay answers a reconnect request from the Store, returning the
// events strictly after the supplied cursor (spec §4.5, §6, §8 scenario 5).
// A client supplies either lastEventIndex or lastEventTimestamp; lacking
// both, everything is replayed.
func (h *Hub) reconnectReplay(ctx context.Context, req reconnectRequest) ([]byte, error) {
	var (
		raw    []store.Envelope
		status string
		events []Envelope
	)
	if h.store != nil {
		sess, err := h.store.GetSession(ctx, req.SessionID)
		if err == nil {
			status = sess.Status
		}

		switch {
		case req.LastEventIndex != nil:
			raw, err = h.store.GetEventsSince(ctx, req.SessionID, *req.LastEventIndex)
		case req.LastEventTimestamp != nil:
			ts, perr := time.Parse(time.RFC3339Nano, *req.LastEventTimestamp)
			if perr != nil {
				return nil, fmt.Errorf("parse lastEventTimestamp: %w", perr)
			}
			raw, err = h.store.GetEventsSinceTimestamp(ctx, req.SessionID, ts)
		default:
			raw, err = h.store.GetEventsSince(ctx, req.SessionID, -1)
		}
		if err != nil {
			return nil, err
		}

		for _, e := range raw {
			events = append(events, Envelope{
				Type:        canonicalType,
				SessionID:   e.SessionID,
				WorkspaceID: e.WorkspaceID,
				EventIndex:  e.EventIndex,
				EventType:   e.EventType,
				Payload:     e.Payload,
				Timestamp:   e.CreatedAt,
			})
		}
	}

	resp := pendingEvents{
		Type:        "pending_events",
		SessionID:   req.SessionID,
		Events:      events,
		TotalEvents: len(events),
		Status:      status,
	}
	return json.Marshal(resp)
}
