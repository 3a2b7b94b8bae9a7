package ws

import (
	"context"
	"encoding/json"
	"time"
)

// Event type constants for WebSocket messages.
const (
	EventAvailabilityChanged = "availability.changed"
	EventShutdown            = "server.shutdown"
)

// AvailabilityChangedEvent tells a client that a resource timeline changed
// and cached availability for it is stale.
type AvailabilityChangedEvent struct {
	ResourceID string    `json:"resource_id"`
	ChangeType string    `json:"change_type"`
	ChangedAt  time.Time `json:"changed_at"`
}

// BroadcastEvent marshals a typed event and sends it to tenantID's clients.
// It implements broadcast.Broadcaster.
func (h *Hub) BroadcastEvent(ctx context.Context, tenantID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.ErrorContext(ctx, "marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.BroadcastToTenant(ctx, tenantID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
