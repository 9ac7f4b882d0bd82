package grpc

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Belphemur/ImageCache/internal/models"
)

func TestConvertFetchRequestFromProto(t *testing.T) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"url":    "https://example.com/cover.jpg",
		"width":  320,
		"height": 240.0,
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}

	req, err := convertFetchRequestFromProto(in)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if req.URL != "https://example.com/cover.jpg" {
		t.Errorf("Expected URL to be kept, got %s", req.URL)
	}
	if req.Width != 320 || req.Height != 240 {
		t.Errorf("Expected 320x240, got %dx%d", req.Width, req.Height)
	}
}

func TestConvertFetchRequestFromProto_DefaultsToNaturalSize(t *testing.T) {
	in, _ := structpb.NewStruct(map[string]interface{}{"url": "http://example.com/a.png"})

	req, err := convertFetchRequestFromProto(in)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if req.Width != 0 || req.Height != 0 {
		t.Errorf("Expected 0x0, got %dx%d", req.Width, req.Height)
	}
}

func TestConvertFetchRequestFromProto_RejectsHugeDimension(t *testing.T) {
	in, _ := structpb.NewStruct(map[string]interface{}{"url": "http://example.com/a.png", "width": maxDimension + 1})

	if _, err := convertFetchRequestFromProto(in); err == nil {
		t.Error("Expected an error for a dimension above the limit")
	}
}

func TestConvertStatsToProto(t *testing.T) {
	out, err := convertStatsToProto(models.Stats{
		MemoryEntries:  2,
		MemoryMaxBytes: 1 << 20,
		RunningWorkers: 4,
		Paused:         true,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	fields := out.GetFields()
	if len(fields) != 11 {
		t.Errorf("Expected 11 fields, got %d", len(fields))
	}
	if got := fields["memory_max_bytes"].GetNumberValue(); got != 1<<20 {
		t.Errorf("Expected memory_max_bytes %d, got %v", 1<<20, got)
	}
	if got := fields["running_workers"].GetNumberValue(); got != 4 {
		t.Errorf("Expected running_workers 4, got %v", got)
	}
	if !fields["paused"].GetBoolValue() {
		t.Error("Expected paused true")
	}
}
