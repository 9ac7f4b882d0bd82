package fetcher

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding lists the content codings the transport can undo.
const acceptEncoding = "gzip, br, zstd"

// compressionTransport wraps an http.RoundTripper to advertise and undo
// gzip, brotli and zstd content codings, including stacked ones such as
// "gzip, br".
type compressionTransport struct {
	transport http.RoundTripper
}

func newCompressionTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &compressionTransport{transport: base}
}

// RoundTrip sets Accept-Encoding when the caller did not and decodes the
// response body. Responses in an unknown coding are returned untouched.
func (t *compressionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Nothing to decode for HEAD, 204 and 304 responses.
	if resp.Body == nil || resp.Body == http.NoBody {
		return resp, nil
	}

	codings := parseContentEncoding(resp.Header.Get("Content-Encoding"))
	if len(codings) == 0 {
		return resp, nil
	}
	for _, c := range codings {
		if !supportedCoding(c) {
			return resp, nil
		}
	}

	body := &layeredBody{original: resp.Body}
	var reader io.Reader = resp.Body
	// Codings are listed in the order they were applied; undo the last first.
	for i := len(codings) - 1; i >= 0; i-- {
		next, closer, err := decoder(codings[i], reader)
		if err != nil {
			_ = body.Close()
			return nil, err
		}
		if closer != nil {
			body.layers = append(body.layers, closer)
		}
		reader = next
	}
	body.reader = reader
	resp.Body = body

	// The decoded body has a different length and no content coding.
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true

	return resp, nil
}

func supportedCoding(coding string) bool {
	switch coding {
	case "gzip", "x-gzip", "br", "zstd":
		return true
	}
	return false
}

func decoder(coding string, r io.Reader) (io.Reader, io.Closer, error) {
	switch coding {
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gr, gr, nil
	case "br":
		return brotli.NewReader(r), nil, nil
	default:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		rc := zr.IOReadCloser()
		return rc, rc, nil
	}
}

// layeredBody reads through every decoding layer and closes them all
// together with the original body.
type layeredBody struct {
	reader   io.Reader
	layers   []io.Closer
	original io.ReadCloser
}

func (b *layeredBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *layeredBody) Close() error {
	var first error
	for i := len(b.layers) - 1; i >= 0; i-- {
		if err := b.layers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := b.original.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// parseContentEncoding splits a Content-Encoding header into lowercase
// codings in application order, dropping "identity" and empty items.
func parseContentEncoding(header string) []string {
	var codings []string
	for _, part := range strings.Split(header, ",") {
		c := strings.ToLower(strings.TrimSpace(part))
		if c == "" || c == "identity" {
			continue
		}
		codings = append(codings, c)
	}
	return codings
}
