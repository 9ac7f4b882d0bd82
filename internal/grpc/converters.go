package grpc

import (
	"errors"
	"fmt"
	"math"
	"net/url"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Belphemur/ImageCache/internal/models"
)

// maxDimension caps requested target sizes.
const maxDimension = 16384

type fetchRequest struct {
	URL    string
	Width  int
	Height int
}

func convertFetchRequestFromProto(in *structpb.Struct) (fetchRequest, error) {
	var req fetchRequest
	fields := in.GetFields()

	v, ok := fields["url"]
	if !ok {
		return req, errors.New("url is required")
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || s.StringValue == "" {
		return req, errors.New("url must be a non-empty string")
	}
	u, err := url.Parse(s.StringValue)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return req, errors.New("url must be an absolute http or https URL")
	}
	req.URL = s.StringValue

	if req.Width, err = dimensionFromProto(fields, "width"); err != nil {
		return req, err
	}
	if req.Height, err = dimensionFromProto(fields, "height"); err != nil {
		return req, err
	}
	return req, nil
}

// dimensionFromProto reads an optional whole, non-negative number. A
// missing field is 0, which keeps the natural size.
func dimensionFromProto(fields map[string]*structpb.Value, name string) (int, error) {
	v, ok := fields[name]
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	f := n.NumberValue
	if f < 0 || f > maxDimension || f != math.Trunc(f) {
		return 0, fmt.Errorf("%s must be a whole number between 0 and %d", name, maxDimension)
	}
	return int(f), nil
}

func convertStatsToProto(stats models.Stats) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"memory_entries":   stats.MemoryEntries,
		"memory_bytes":     stats.MemoryBytes,
		"memory_max_bytes": stats.MemoryMaxBytes,
		"disk_entries":     stats.DiskEntries,
		"disk_bytes":       stats.DiskBytes,
		"disk_max_bytes":   stats.DiskMaxBytes,
		"disk_disabled":    stats.DiskDisabled,
		"running_workers":  stats.RunningWorkers,
		"waiting_tasks":    stats.WaitingTasks,
		"paused":           stats.Paused,
		"pending_binds":    stats.PendingBinds,
	})
}
