package timex

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDuration_UnmarshalString(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"15m"`), &d); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if d.Duration != 15*time.Minute {
		t.Fatalf("expected 15m, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalNanoseconds(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`60000000000`), &d); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if d.Duration != time.Minute {
		t.Fatalf("expected 1m, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"not-a-duration"`), &d); err == nil {
		t.Fatalf("expected error for invalid duration string")
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Fatalf("expected error for non-duration JSON value")
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	d := Duration{90 * time.Second}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var got Duration
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if got.Duration != d.Duration {
		t.Fatalf("round trip mismatch: %v != %v", got.Duration, d.Duration)
	}
}
