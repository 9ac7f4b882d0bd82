package fetcher

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(data)
	if err := w.Close(); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, _ = w.Write(data)
	if err := w.Close(); err != nil {
		t.Fatalf("brotli: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	// zstd.NewWriter() with default options never fails
	w, _ := zstd.NewWriter(&buf)
	_, _ = w.Write(data)
	if err := w.Close(); err != nil {
		t.Fatalf("zstd: %v", err)
	}
	return buf.Bytes()
}

func TestCompressionTransport_Decodes(t *testing.T) {
	testData := []byte("This is test data that travels compressed")

	tests := []struct {
		name     string
		encoding string
		body     func(t *testing.T) []byte
	}{
		{name: "gzip", encoding: "gzip", body: func(t *testing.T) []byte { return gzipBytes(t, testData) }},
		{name: "brotli", encoding: "br", body: func(t *testing.T) []byte { return brotliBytes(t, testData) }},
		{name: "zstd", encoding: "zstd", body: func(t *testing.T) []byte { return zstdBytes(t, testData) }},
		{name: "none", encoding: "", body: func(*testing.T) []byte { return testData }},
		{name: "identity then gzip", encoding: "identity, gzip", body: func(t *testing.T) []byte { return gzipBytes(t, testData) }},
		{name: "whitespace", encoding: " GZIP ", body: func(t *testing.T) []byte { return gzipBytes(t, testData) }},
		{name: "stacked gzip then br", encoding: "gzip, br", body: func(t *testing.T) []byte {
			return brotliBytes(t, gzipBytes(t, testData))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := tt.body(t)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Accept-Encoding") != acceptEncoding {
					t.Errorf("Expected Accept-Encoding %q, got %q", acceptEncoding, r.Header.Get("Accept-Encoding"))
				}
				if tt.encoding != "" {
					w.Header().Set("Content-Encoding", tt.encoding)
				}
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(payload)
			}))
			defer server.Close()

			client := &http.Client{Transport: newCompressionTransport(nil)}
			resp, err := client.Get(server.URL)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("Failed to read response body: %v", err)
			}
			if !bytes.Equal(body, testData) {
				t.Errorf("Expected body %q, got %q", testData, body)
			}
			if resp.Header.Get("Content-Encoding") != "" {
				t.Errorf("Expected Content-Encoding header to be removed, got %q", resp.Header.Get("Content-Encoding"))
			}
		})
	}
}

func TestCompressionTransport_PreserveExistingAcceptEncoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "custom-encoding" {
			t.Errorf("Expected Accept-Encoding header to be 'custom-encoding', got %q", r.Header.Get("Accept-Encoding"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := &http.Client{Transport: newCompressionTransport(nil)}
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Accept-Encoding", "custom-encoding")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	_ = resp.Body.Close()
}

func TestCompressionTransport_UnknownEncoding(t *testing.T) {
	testData := []byte("Test data with unknown encoding")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip, unknown-encoding")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(testData)
	}))
	defer server.Close()

	client := &http.Client{Transport: newCompressionTransport(nil)}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, testData) {
		t.Errorf("Expected body %q, got %q", testData, body)
	}
	if resp.Header.Get("Content-Encoding") != "gzip, unknown-encoding" {
		t.Errorf("Expected Content-Encoding header to be kept, got %q", resp.Header.Get("Content-Encoding"))
	}
}

func TestCompressionTransport_NoBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := &http.Client{Transport: newCompressionTransport(nil)}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
}

func TestCompressionTransport_CorruptGzip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("definitely not gzip"))
	}))
	defer server.Close()

	client := &http.Client{Transport: newCompressionTransport(nil)}
	resp, err := client.Get(server.URL)
	if err == nil {
		_ = resp.Body.Close()
		t.Fatal("Expected an error for a corrupt gzip body")
	}
}

func TestParseContentEncoding(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected []string
	}{
		{"empty", "", nil},
		{"whitespace only", "   ", nil},
		{"simple gzip", "gzip", []string{"gzip"}},
		{"identity only", "identity", nil},
		{"comma list - identity, gzip", "identity, gzip", []string{"gzip"}},
		{"comma list - gzip, br", "gzip, br", []string{"gzip", "br"}},
		{"comma list with whitespace", " gzip ,  zstd ", []string{"gzip", "zstd"}},
		{"mixed case", "GzIp", []string{"gzip"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseContentEncoding(tt.header)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("parseContentEncoding(%q) = %q, expected %q", tt.header, result, tt.expected)
			}
		})
	}
}
