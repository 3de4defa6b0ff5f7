package models

import (
	"encoding/json"
	"testing"
)

func TestAlertEventWireShape(t *testing.T) {
	data, err := json.Marshal(AlertEvent{ID: "a-1", Message: "anomaly detected", Timestamp: 1725000000000})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"a-1","message":"anomaly detected","timestamp":1725000000000}`
	if string(data) != want {
		t.Errorf("alert wire shape = %s, want %s", data, want)
	}
}
