package persistence

import (
	"encoding/gob"
	"testing"
	"time"
)

type codecPayload struct {
	OrderID string
	Amount  float64
}

func init() {
	gob.Register(codecPayload{})
}

func TestCodec_RoundTripsCommonValues(t *testing.T) {
	values := []any{
		"hello",
		42,
		true,
		map[string]any{"charged": true, "amount": 19.99},
		[]any{"a", "b"},
		codecPayload{OrderID: "o-1", Amount: 19.99},
	}

	for _, v := range values {
		data, err := EncodeValue(v)
		if err != nil {
			t.Fatalf("EncodeValue(%#v) failed: %v", v, err)
		}
		got, err := DecodeValue(data)
		if err != nil {
			t.Fatalf("DecodeValue(%#v) failed: %v", v, err)
		}
		switch want := v.(type) {
		case map[string]any:
			m, ok := got.(map[string]any)
			if !ok || len(m) != len(want) {
				t.Fatalf("expected map %#v, got %#v", want, got)
			}
		case []any:
			s, ok := got.([]any)
			if !ok || len(s) != len(want) {
				t.Fatalf("expected slice %#v, got %#v", want, got)
			}
		default:
			if got != v {
				t.Fatalf("expected %#v, got %#v", v, got)
			}
		}
	}
}

func TestCodec_NilRoundTrip(t *testing.T) {
	data, err := EncodeValue(nil)
	if err != nil {
		t.Fatalf("EncodeValue(nil) failed: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil encoding for nil value, got %d bytes", len(data))
	}

	got, err := DecodeValue(nil)
	if err != nil {
		t.Fatalf("DecodeValue(nil) failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
}

func TestCodec_PreservesTime(t *testing.T) {
	now := time.Now().UTC()
	data, err := EncodeValue(map[string]any{"at": now})
	if err != nil {
		t.Fatalf("EncodeValue failed: %v", err)
	}
	got, err := DecodeValue(data)
	if err != nil {
		t.Fatalf("DecodeValue failed: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %#v", got)
	}
	at, ok := m["at"].(time.Time)
	if !ok || !at.Equal(now) {
		t.Fatalf("time not preserved: %#v", m["at"])
	}
}
