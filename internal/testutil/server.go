package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// ImageServer is an httptest server that serves fixed bodies per path and
// counts the requests it receives.
type ImageServer struct {
	*httptest.Server

	mu       sync.Mutex
	bodies   map[string][]byte
	types    map[string]string
	requests atomic.Int64
	gate     chan struct{}
}

// NewImageServer starts an ImageServer that is closed with the test.
// Unknown paths answer 404.
func NewImageServer(t testing.TB) *ImageServer {
	t.Helper()
	s := &ImageServer{
		bodies: make(map[string][]byte),
		types:  make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle serves body with contentType at path and returns the absolute URL.
func (s *ImageServer) Handle(path string, body []byte, contentType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[path] = body
	s.types[path] = contentType
	return s.URL + path
}

// Hold makes every request block until Release is called.
func (s *ImageServer) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

// Release unblocks requests held by Hold.
func (s *ImageServer) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Requests returns the number of requests served so far.
func (s *ImageServer) Requests() int64 {
	return s.requests.Load()
}

func (s *ImageServer) serve(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	s.mu.Lock()
	gate := s.gate
	body, ok := s.bodies[r.URL.Path]
	contentType := s.types[r.URL.Path]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if !ok {
		http.NotFound(w, r)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
