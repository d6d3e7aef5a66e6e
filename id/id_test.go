package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ianlintner/AI-Pipeline/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"RequestID", id.NewRequestID, "req_"},
		{"EventID", id.NewEventID, "evt_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
		{"DLQID", id.NewDLQID, "dlq_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := id.NewRequestID()
	parsed, err := id.ParseRequestID(original.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
	}
}

func TestCrossTypeRejection(t *testing.T) {
	if _, err := id.ParseRequestID(id.NewEventID().String()); err == nil {
		t.Error("expected ParseRequestID to reject an evt_ id")
	}
	if _, err := id.ParseEventID(id.NewRequestID().String()); err == nil {
		t.Error("expected ParseEventID to reject a req_ id")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type doc struct {
		ID id.ID `json:"id"`
	}
	original := doc{ID: id.NewRequestID()}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored doc
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.ID.String() != original.ID.String() {
		t.Errorf("mismatch: %q != %q", restored.ID.String(), original.ID.String())
	}
}
