package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	if !strings.HasPrefix(subject, SubjectAvailabilityChanged+".") {
		return nil
	}

	var p AvailabilityChangedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if p.TenantID == "" || p.ResourceID == "" || p.ChangeType == "" {
		return fmt.Errorf("schema validation failed for %s: tenant_id, resource_id and change_type are required", subject)
	}
	want := SubjectAvailabilityChanged + "." + p.TenantID + "." + p.ResourceID
	if subject != want {
		return fmt.Errorf("subject %s does not match payload (%s)", subject, want)
	}
	return nil
}
