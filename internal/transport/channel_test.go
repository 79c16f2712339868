package transport

import (
	"encoding/json"
	"testing"
)

func TestRegistryDispatchOrderAndRemoval(t *testing.T) {
	registry := NewRegistry()
	var order []string

	offFirst := registry.On("evt", func(json.RawMessage) { order = append(order, "first") })
	registry.On("evt", func(json.RawMessage) { order = append(order, "second") })

	if count := registry.Dispatch("evt", nil); count != 2 {
		t.Fatalf("expected 2 handlers, got %d", count)
	}
	offFirst()
	offFirst()
	registry.Dispatch("evt", nil)

	expected := []string{"first", "second", "second"}
	if len(order) != len(expected) {
		t.Fatalf("unexpected order %v", order)
	}
	for index := range expected {
		if order[index] != expected[index] {
			t.Fatalf("unexpected order %v", order)
		}
	}
	if registry.Count("evt") != 1 {
		t.Fatalf("expected 1 handler left, got %d", registry.Count("evt"))
	}
}

func TestRegistryOffInsideHandler(t *testing.T) {
	registry := NewRegistry()
	calls := 0
	var off func()
	off = registry.On("once", func(json.RawMessage) {
		calls++
		off()
	})

	registry.Dispatch("once", nil)
	registry.Dispatch("once", nil)
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if registry.Count("once") != 0 {
		t.Fatal("expected handler removed")
	}
}

func TestDecodeAck(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		failed  bool
	}{
		{name: "empty", payload: "", failed: false},
		{name: "null", payload: "null", failed: false},
		{name: "success", payload: `{"success":true}`, failed: false},
		{name: "failure", payload: `{"success":false,"message":"nope"}`, failed: true},
		{name: "missing flag", payload: `{"message":"hello"}`, failed: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result, err := DecodeAck(json.RawMessage(testCase.payload))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if result.Failed() != testCase.failed {
				t.Fatalf("expected failed=%v, got %+v", testCase.failed, result)
			}
		})
	}

	if _, err := DecodeAck(json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("expected malformed ack to fail")
	}
}
