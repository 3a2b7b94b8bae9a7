// Package ws streams availability change events to WebSocket clients,
// scoped to the tenant resolved for each connection.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws       *websocket.Conn
	cancel   context.CancelFunc
	tenantID string
	send     chan []byte
}

// Hub tracks connections per tenant and fans messages out to them.
// Slow clients whose buffer fills are disconnected rather than blocking the relay.
type Hub struct {
	mu            sync.RWMutex
	conns         map[*conn]struct{}
	originPattern string
	log           *slog.Logger
}

// NewHub creates a hub. originPattern restricts browser origins (empty
// accepts any origin, for use behind the CORS middleware). A nil logger uses
// slog.Default.
func NewHub(originPattern string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns:         make(map[*conn]struct{}),
		originPattern: originPattern,
		log:           log,
	}
}

// HandleWS upgrades the request and streams the tenant's events until the
// client disconnects. Requests without a resolved tenant are refused.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sc := tenant.FromContext(r.Context())
	if !sc.HasTenant() {
		http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.originPattern != "" {
		opts.OriginPatterns = []string{h.originPattern}
	} else {
		opts.InsecureSkipVerify = true // CORS handled by middleware
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.log.ErrorContext(r.Context(), "websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, tenantID: sc.TenantID, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.InfoContext(ctx, "websocket connected", "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	// CloseRead consumes control frames and cancels ctx when the peer goes away.
	ctx = ws.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				h.log.DebugContext(ctx, "websocket write failed", "error", err)
				return
			}
		}
	}
}

// BroadcastToTenant queues msg for every connection of tenantID.
func (h *Hub) BroadcastToTenant(ctx context.Context, tenantID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.ErrorContext(ctx, "websocket marshal failed", "error", err)
		return
	}

	var slow []*conn
	h.mu.RLock()
	for c := range h.conns {
		if c.tenantID != tenantID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.WarnContext(ctx, "websocket client too slow, disconnecting", "tenant_id", c.tenantID)
		h.remove(c)
	}
}

// Broadcast queues msg for every connection of every tenant. Used for
// service-wide notices such as shutdown.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.mu.RLock()
	tenants := make(map[string]struct{})
	for c := range h.conns {
		tenants[c.tenantID] = struct{}{}
	}
	h.mu.RUnlock()

	for tid := range tenants {
		h.BroadcastToTenant(ctx, tid, msg)
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.cancel()
		delete(h.conns, c)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected", "tenant_id", c.tenantID)
	}
}
