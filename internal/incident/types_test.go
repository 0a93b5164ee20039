package incident

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewPlanID_CarriesFullUUID(t *testing.T) {
	id := NewPlanID()
	if !strings.HasPrefix(id, "plan-") {
		t.Fatalf("expected plan- prefix, got %s", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "plan-")); err != nil {
		t.Errorf("expected a full uuid suffix in %s: %v", id, err)
	}
	if other := NewPlanID(); other == id {
		t.Errorf("expected distinct ids across calls, got %s twice", id)
	}
}

func TestNewIncidentID_Format(t *testing.T) {
	id := NewIncidentID(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 || parts[0] != "INC" {
		t.Fatalf("expected INC-<date>-<suffix>, got %s", id)
	}
	if parts[1] != "20260825" {
		t.Errorf("expected date segment 20260825, got %s", parts[1])
	}
	if len(parts[2]) != 8 {
		t.Errorf("expected an 8-char suffix, got %s", parts[2])
	}
}
