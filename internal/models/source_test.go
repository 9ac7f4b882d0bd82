package models

import (
	"encoding/json"
	"testing"
)

func TestSource_String(t *testing.T) {
	tests := []struct {
		source   Source
		expected string
	}{
		{SourceNone, "none"},
		{SourceMemory, "memory"},
		{SourceDisk, "disk"},
		{SourceNetwork, "network"},
		{SourceDirect, "direct"},
		{Source(99), "none"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.source.String(); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		input    string
		expected Source
	}{
		{"memory", SourceMemory},
		{"DISK", SourceDisk},
		{"Network", SourceNetwork},
		{"direct", SourceDirect},
		{"bogus", SourceNone},
		{"", SourceNone},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseSource(tt.input); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestSource_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Source Source `json:"source"`
	}{SourceDisk})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"source":"disk"}` {
		t.Errorf("Expected {\"source\":\"disk\"}, got %s", string(data))
	}

	var decoded struct {
		Source Source `json:"source"`
	}
	if err := json.Unmarshal([]byte(`{"source":"network"}`), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Source != SourceNetwork {
		t.Errorf("Expected SourceNetwork, got %v", decoded.Source)
	}
}
