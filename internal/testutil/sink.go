package testutil

import (
	"image"
	"sync"
)

// RecordingSink implements models.Sink and records every image it is given.
type RecordingSink struct {
	mu      sync.Mutex
	tag     string
	applied []image.Image
	tags    []string
}

// SetContent records img together with the tag held at that moment.
func (s *RecordingSink) SetContent(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, img)
	s.tags = append(s.tags, s.tag)
}

func (s *RecordingSink) InterestTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}

func (s *RecordingSink) SetInterestTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tag = tag
}

// Applied returns the images set so far.
func (s *RecordingSink) Applied() []image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]image.Image, len(s.applied))
	copy(out, s.applied)
	return out
}

// AppliedTags returns the interest tag held at each SetContent call.
func (s *RecordingSink) AppliedTags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}

// Last returns the most recent image, or nil.
func (s *RecordingSink) Last() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.applied) == 0 {
		return nil
	}
	return s.applied[len(s.applied)-1]
}
