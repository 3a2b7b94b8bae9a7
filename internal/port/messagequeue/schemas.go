package messagequeue

// AvailabilityChangedPayload is the schema for availability.changed.* messages.
type AvailabilityChangedPayload struct {
	EventID    int64  `json:"event_id"`
	TenantID   string `json:"tenant_id"`
	ResourceID string `json:"resource_id"`
	ChangeType string `json:"change_type"`
	ChangedAt  string `json:"changed_at"`
	Origin     string `json:"origin,omitempty"` // instance id of the publisher
}
