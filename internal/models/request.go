package models

import "image"

// Sink is a display element that shows one image at a time. The interest
// tag records which identifier the sink currently wants; results for any
// other identifier must not reach it.
type Sink interface {
	SetContent(img image.Image)
	InterestTag() string
	SetInterestTag(tag string)
}

// Request asks for identifier to be loaded into Sink at roughly Width x Height.
type Request struct {
	Identifier string
	Sink       Sink
	Width      int
	Height     int
	// Generation is the sink's bind counter when the request was made.
	Generation uint64
}

// LoadResult is produced by a worker and applied by the dispatch loop.
type LoadResult struct {
	Sink       Sink
	Identifier string
	Generation uint64
	Image      image.Image
	Source     Source
	Err        error
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	MemoryEntries  int   `json:"memory_entries"`
	MemoryBytes    int64 `json:"memory_bytes"`
	MemoryMaxBytes int64 `json:"memory_max_bytes"`
	DiskEntries    int   `json:"disk_entries"`
	DiskBytes      int64 `json:"disk_bytes"`
	DiskMaxBytes   int64 `json:"disk_max_bytes"`
	DiskDisabled   bool  `json:"disk_disabled"`
	RunningWorkers int   `json:"running_workers"`
	WaitingTasks   int   `json:"waiting_tasks"`
	Paused         bool  `json:"paused"`
	PendingBinds   int   `json:"pending_binds"`
}
