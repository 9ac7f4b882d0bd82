// Package fetcher downloads image bytes over HTTP(S).
package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/failsafehttp"
	"github.com/gabriel-vasile/mimetype"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/config"
	"github.com/Belphemur/ImageCache/internal/downsample"
	"github.com/Belphemur/ImageCache/internal/metrics"
)

const (
	// copyBufferSize matches the buffered stream copy used for downloads.
	copyBufferSize = 8 * 1024

	defaultTimeout = 30 * time.Second
)

// Fetcher streams the bytes behind an image URL.
type Fetcher interface {
	// Stream writes the complete body for rawURL to w. Any failure, including
	// a non-200 status or a non-image body, is *apperrors.ErrFetchFailed.
	Stream(ctx context.Context, rawURL string, w io.Writer) error
	// FetchDecoded downloads rawURL into memory and decodes it for the target box.
	FetchDecoded(ctx context.Context, rawURL string, targetW, targetH int) (image.Image, error)
}

// Options configures an HTTP fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Proxy is an optional proxy URL.
	Proxy string
	// Decoder is used by FetchDecoded. Defaults to downsample.NewDecoder(0).
	Decoder *downsample.Decoder
	// BreakerThreshold is the number of consecutive failures that opens the
	// circuit breaker. Zero selects 5; negative disables the breaker.
	BreakerThreshold int
	// BreakerDelay is how long the breaker stays open. Zero selects 30s.
	BreakerDelay time.Duration
}

type httpFetcher struct {
	client    *http.Client
	userAgent string
	decoder   *downsample.Decoder
}

// New creates a Fetcher backed by net/http.
func New(opts Options) Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Decoder == nil {
		opts.Decoder = downsample.NewDecoder(0)
	}

	// Clone DefaultTransport to preserve all its settings (timeouts, connection pooling, HTTP/2, etc.)
	baseTransport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			// Log error but continue without proxy
			logger := config.GetLogger()
			logger.Warn().Err(err).Str("proxy", opts.Proxy).Msg("Invalid proxy URL, continuing without proxy")
		} else {
			baseTransport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	transport := newCompressionTransport(baseTransport)
	if opts.BreakerThreshold >= 0 {
		transport = withCircuitBreaker(transport, opts.BreakerThreshold, opts.BreakerDelay)
	}

	return &httpFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent: opts.UserAgent,
		decoder:   opts.Decoder,
	}
}

// NewFromConfig creates a Fetcher from the client settings in cfg.
func NewFromConfig(cfg *config.Config, decoder *downsample.Decoder) Fetcher {
	return New(Options{
		Timeout:   config.ParseDuration(cfg.ClientTimeout, defaultTimeout),
		UserAgent: cfg.UserAgent,
		Proxy:     cfg.ProxyConnectionString,
		Decoder:   decoder,
	})
}

// withCircuitBreaker stops hammering a host that keeps failing: transport
// errors and 5xx responses count as failures, and while the breaker is open
// requests fail fast.
func withCircuitBreaker(inner http.RoundTripper, threshold int, delay time.Duration) http.RoundTripper {
	if threshold == 0 {
		threshold = 5
	}
	if delay <= 0 {
		delay = 30 * time.Second
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= http.StatusInternalServerError)
		}).
		WithFailureThreshold(uint(threshold)).
		WithDelay(delay).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			logger := config.GetLogger()
			logger.Warn().Dur("delay", delay).Msg("Image fetch circuit breaker opened")
		}).
		Build()

	return failsafehttp.NewRoundTripper(inner, breaker)
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("unsupported scheme " + strconv.Quote(u.Scheme))
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Stream implements Fetcher.
func (f *httpFetcher) Stream(ctx context.Context, rawURL string, w io.Writer) error {
	logger := config.GetLogger()

	if err := validateURL(rawURL); err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("invalid").Inc()
		return &apperrors.ErrFetchFailed{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("invalid").Inc()
		return &apperrors.ErrFetchFailed{URL: rawURL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("error").Inc()
		logger.Debug().Err(err).Str("url", rawURL).Msg("Image fetch failed")
		return &apperrors.ErrFetchFailed{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ImageFetchesTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		logger.Debug().Int("status", resp.StatusCode).Str("url", rawURL).Msg("Image fetch returned unexpected status")
		return &apperrors.ErrFetchFailed{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body := bufio.NewReaderSize(resp.Body, copyBufferSize)
	// Peek is allowed to return fewer bytes at EOF; sniffing works on what is there.
	head, _ := body.Peek(3072)
	if mt := mimetype.Detect(head); !acceptedType(mt) {
		metrics.ImageFetchesTotal.WithLabelValues("not_image").Inc()
		return &apperrors.ErrFetchFailed{URL: rawURL, Err: errors.New("unexpected content type " + mt.String())}
	}

	n, err := io.CopyBuffer(w, body, make([]byte, copyBufferSize))
	metrics.ImageFetchBytesTotal.Add(float64(n))
	if err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("error").Inc()
		return &apperrors.ErrFetchFailed{URL: rawURL, Err: err}
	}

	metrics.ImageFetchesTotal.WithLabelValues("200").Inc()
	logger.Debug().Str("url", rawURL).Int64("bytes", n).Msg("Image fetched")
	return nil
}

// acceptedType keeps images and opaque binaries; the decoder has the final say.
func acceptedType(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") {
			return true
		}
	}
	return mt.Is("application/octet-stream")
}

// FetchDecoded implements Fetcher.
func (f *httpFetcher) FetchDecoded(ctx context.Context, rawURL string, targetW, targetH int) (image.Image, error) {
	var buf bytes.Buffer
	if err := f.Stream(ctx, rawURL, &buf); err != nil {
		return nil, err
	}
	return f.decoder.DecodeBytes(buf.Bytes(), targetW, targetH)
}
