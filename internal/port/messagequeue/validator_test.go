package messagequeue

import (
	"strings"
	"testing"
)

const validSubject = "availability.changed.t1.r1"

func TestValidateAvailabilityChanged(t *testing.T) {
	data := []byte(`{"event_id":7,"tenant_id":"t1","resource_id":"r1","change_type":"reservation_created","changed_at":"2026-03-02T09:00:00Z"}`)
	if err := Validate(validSubject, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(validSubject, []byte(`{not json`))
	if err == nil || !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected invalid JSON error, got %v", err)
	}
}

func TestValidateMissingFields(t *testing.T) {
	err := Validate(validSubject, []byte(`{"tenant_id":"t1"}`))
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("expected required-field error, got %v", err)
	}
}

func TestValidateWrongFieldType(t *testing.T) {
	err := Validate(validSubject, []byte(`{"tenant_id":1,"resource_id":"r1","change_type":"x"}`))
	if err == nil || !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestValidateSubjectMismatch(t *testing.T) {
	data := []byte(`{"tenant_id":"t2","resource_id":"r1","change_type":"exception_created"}`)
	if err := Validate(validSubject, data); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	if err := Validate("something.else", []byte(`{"any":"thing"}`)); err != nil {
		t.Fatalf("unknown subjects should pass, got %v", err)
	}
}
