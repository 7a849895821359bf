package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestInboundMessageDecodesNavigate(t *testing.T) {
	var msg InboundMessage
	if err := json.Unmarshal([]byte(`{"type":"navigate","url":"example.com"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != CmdNavigate || msg.URL != "example.com" {
		t.Fatalf("got %+v", msg)
	}
}

func TestInboundMessageDecodesClick(t *testing.T) {
	var msg InboundMessage
	if err := json.Unmarshal([]byte(`{"type":"click","x":12.5,"y":40}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != CmdClick || msg.X != 12.5 || msg.Y != 40 {
		t.Fatalf("got %+v", msg)
	}
}

func TestOutboundMessageOmitsEmptyFields(t *testing.T) {
	out := OutboundMessage{Type: MsgHeartbeat, Timestamp: 1234}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	jsonStr := string(data)

	for _, unexpected := range []string{`"status"`, `"error"`, `"url"`, `"screenshot"`, `"html"`} {
		if strings.Contains(jsonStr, unexpected) {
			t.Errorf("did not expect field %s in %s", unexpected, jsonStr)
		}
	}
	if !strings.Contains(jsonStr, `"timestamp":1234`) {
		t.Errorf("expected timestamp field in %s", jsonStr)
	}
}

func TestNewErrorMessageShape(t *testing.T) {
	out := NewErrorMessage("auth", "authentication required", false)

	if out.Type != MsgError {
		t.Fatalf("expected type %q, got %q", MsgError, out.Type)
	}
	if out.Kind != "auth" {
		t.Fatalf("expected kind %q, got %q", "auth", out.Kind)
	}
	if out.Recoverable {
		t.Fatal("expected auth error to be non-recoverable")
	}
}

func TestNewUnknownTypeMessageShape(t *testing.T) {
	out := NewUnknownTypeMessage("teleport")

	if out.Type != MsgError {
		t.Fatalf("expected type %q, got %q", MsgError, out.Type)
	}
	if out.OriginalType != "teleport" {
		t.Fatalf("expected originalType %q, got %q", "teleport", out.OriginalType)
	}
	if out.Message != "Unknown message type: teleport" {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if !out.Recoverable {
		t.Fatal("expected unknown-message error to be recoverable")
	}
}

func TestHealthResponseJSONFieldNames(t *testing.T) {
	resp := HealthResponse{
		Status:            "ok",
		UptimeSeconds:     12.5,
		ActiveConnections: 3,
		CircuitBreaker:    CircuitBreakerState{IsOpen: false, Failures: 0},
		Timestamp:         1000,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	jsonStr := string(data)

	for _, field := range []string{`"status"`, `"uptimeSeconds"`, `"activeConnections"`, `"circuitBreaker"`, `"timestamp"`, `"isOpen"`, `"failures"`} {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("expected field %s not found in JSON: %s", field, jsonStr)
		}
	}
}
