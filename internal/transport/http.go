package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nacorga/tracelog/internal/model"
)

const (
	// DefaultKeepaliveLimit bounds fire-and-forget payloads, mirroring the
	// body limit browsers apply to keepalive requests.
	DefaultKeepaliveLimit = 64 << 10

	// DefaultCompressThreshold is the encoded size above which bodies are
	// gzipped.
	DefaultCompressThreshold = 1 << 10

	maxErrorBody = 512
)

// ErrPayloadTooLarge is returned when a fire-and-forget payload exceeds the
// keepalive limit.
var ErrPayloadTooLarge = errors.New("payload exceeds keepalive limit")

// HTTP posts encoded batches to the collector.
//
// Thread-safety: HTTP is safe for concurrent use.
type HTTP struct {
	client            *http.Client
	codec             Codec
	keepaliveLimit    int
	compressThreshold int
	tracer            trace.Tracer
	logger            *slog.Logger
	inflight          conc.WaitGroup
}

var _ Transport = (*HTTP)(nil)

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithClient replaces the default http.Client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = c
	}
}

// WithCodec selects the wire encoding.
func WithCodec(c Codec) HTTPOption {
	return func(h *HTTP) {
		h.codec = c
	}
}

// WithCompressThreshold sets the body size above which requests are
// gzipped. A negative value disables compression.
func WithCompressThreshold(n int) HTTPOption {
	return func(h *HTTP) {
		h.compressThreshold = n
	}
}

// WithKeepaliveLimit sets the fire-and-forget size limit.
func WithKeepaliveLimit(n int) HTTPOption {
	return func(h *HTTP) {
		h.keepaliveLimit = n
	}
}

// NewHTTP creates an HTTP transport. Spans are recorded with the global
// OpenTelemetry tracer provider.
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client:            &http.Client{},
		codec:             JSONCodec{},
		keepaliveLimit:    DefaultKeepaliveLimit,
		compressThreshold: DefaultCompressThreshold,
		tracer:            otel.Tracer("github.com/nacorga/tracelog/internal/transport"),
		logger:            slog.Default().With("component", "transport"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Request posts batch and waits for a 2xx response.
func (h *HTTP) Request(ctx context.Context, endpoint string, batch model.Batch, timeout time.Duration) error {
	ctx, span := h.tracer.Start(ctx, "tracelog.transport.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tracelog.session_id", batch.SessionID),
			attribute.Int("tracelog.events", len(batch.Events)),
		))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := h.post(ctx, endpoint, batch, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("request: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// FireAndForget posts batch in the background. It refuses payloads larger
// than the keepalive limit.
func (h *HTTP) FireAndForget(endpoint string, batch model.Batch) bool {
	body, _, err := h.encode(batch)
	if err != nil {
		h.logger.Warn("fire-and-forget encode failed", "error", err)
		return false
	}
	if len(body) > h.keepaliveLimit {
		h.logger.Debug("fire-and-forget refused", "error", ErrPayloadTooLarge, "bytes", len(body))
		return false
	}
	h.inflight.Go(func() {
		if err := h.post(context.Background(), endpoint, batch, true); err != nil {
			h.logger.Debug("fire-and-forget delivery failed", "error", err)
		}
	})
	return true
}

// Wait blocks until every fire-and-forget delivery has finished.
func (h *HTTP) Wait() {
	h.inflight.Wait()
}

func (h *HTTP) encode(batch model.Batch) ([]byte, bool, error) {
	data, err := h.codec.Encode(batch)
	if err != nil {
		return nil, false, err
	}
	if h.compressThreshold < 0 || len(data) <= h.compressThreshold {
		return data, false, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), true, nil
}

func (h *HTTP) post(ctx context.Context, endpoint string, batch model.Batch, keepalive bool) error {
	body, compressed, err := h.encode(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", h.codec.ContentType())
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if keepalive {
		req.Header.Set("X-Tracelog-Keepalive", "1")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
