package localstore

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewTempIDIsUniqueAndPrefixed(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := NewTempID()
		if !id.IsTemp() || !strings.HasPrefix(id.String(), TempIDPrefix) {
			t.Fatalf("expected temp id, got %q", id.String())
		}
		if _, dup := seen[id.String()]; dup {
			t.Fatalf("temp id %q reused", id.String())
		}
		seen[id.String()] = struct{}{}
	}
}

func TestIDJSON(t *testing.T) {
	var payload struct {
		A ID `json:"a"`
		B ID `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":12,"b":"temp_99"}`), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if n, ok := payload.A.Authoritative(); !ok || n != 12 {
		t.Fatalf("expected authoritative 12, got %+v", payload.A)
	}
	if !payload.B.IsTemp() || payload.B.String() != "temp_99" {
		t.Fatalf("expected temp_99, got %+v", payload.B)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(out) != `{"a":12,"b":"temp_99"}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestParseID(t *testing.T) {
	if _, err := ParseID("temp_"); err == nil {
		t.Fatalf("expected bare prefix to be rejected")
	}
	if _, err := ParseID("abc"); err == nil {
		t.Fatalf("expected non-numeric id to be rejected")
	}
	id, err := ParseID("17")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n, ok := id.Authoritative(); !ok || n != 17 {
		t.Fatalf("expected 17, got %+v", id)
	}
	if TempID("abc").String() != "temp_abc" {
		t.Fatalf("expected TempID to add the prefix")
	}
}
