// Package proxy hosts the payload size filter in a net/http reverse proxy.
//
// Every inbound request becomes one filter exchange. Request headers are
// checked before anything is sent upstream, the request body is counted while
// the transport streams it, and the upstream response is checked before and
// while it is relayed to the client.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-limitsize/pkg/domain"
	"github.com/polisai/polis-limitsize/pkg/filter"
	"github.com/polisai/polis-limitsize/pkg/telemetry"
)

// HeaderRequestID carries the correlation id of an exchange both ways.
const HeaderRequestID = "X-Request-Id"

const streamBufferSize = 32 * 1024

// Config holds configuration for creating a Handler.
type Config struct {
	Root      *filter.Root
	Upstream  *url.URL
	Transport http.RoundTripper
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

// Handler proxies requests to a single upstream while enforcing the payload
// limits of its filter root.
type Handler struct {
	root      *filter.Root
	upstream  *url.URL
	transport http.RoundTripper
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	sanitizer *headerSanitizer

	nextID atomic.Uint32
}

// NewHandler constructs the proxy handler. Root and Upstream are required.
func NewHandler(cfg Config) *Handler {
	if cfg.Root == nil {
		panic("proxy: filter root is required")
	}
	if cfg.Upstream == nil {
		panic("proxy: upstream URL is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	h := &Handler{
		root:      cfg.Root,
		upstream:  cfg.Upstream,
		transport: transport,
		logger:    logger,
		metrics:   cfg.Metrics,
		sanitizer: newHeaderSanitizer(),
	}
	// Exchange ids follow the root id, mirroring how context ids are handed out.
	h.nextID.Store(cfg.Root.ID())
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusRecorder{ResponseWriter: w}
	ctx := r.Context()

	requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}

	xh := &exchangeHost{}
	xh.ex = h.root.NewExchange(h.nextID.Add(1), xh)
	logger := h.logger.With("request_id", requestID, "exchange_id", xh.ex.ID())

	logger.Debug("received HTTP request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
		"content_length", r.ContentLength,
	)

	outcome := telemetry.OutcomePassed
	if h.metrics != nil {
		h.metrics.ExchangeStarted()
	}
	defer func() {
		reqBytes, respBytes := xh.finish()
		if rej := xh.rejected(); rej != nil {
			outcome = telemetry.OutcomeRejected
			telemetry.RecordSecurityEvent(trace.SpanFromContext(ctx), *rej)
		}
		logger.Debug("exchange completed",
			"status", sw.status,
			"outcome", outcome,
			"request_bytes", reqBytes,
			"response_bytes", respBytes,
		)
		if h.metrics != nil {
			h.metrics.ExchangeFinished(ctx, telemetry.ExchangeMetrics{
				RootID:        h.root.ID(),
				Outcome:       outcome,
				RequestBytes:  reqBytes,
				ResponseBytes: respBytes,
				Duration:      time.Since(start),
			})
		}
	}()

	requestEOS := r.Body == nil || r.Body == http.NoBody
	if xh.requestHeaders(filter.HTTPHeader(r.Header), requestEOS) == domain.ActionPause {
		h.writeSynthetic(sw, xh, requestID)
		return
	}

	outReq, err := h.upstreamRequest(ctx, r, xh, requestID, requestEOS)
	if err != nil {
		logger.Error("failed to build upstream request", "error", err)
		outcome = telemetry.OutcomeUpstreamError
		h.writeErrorResponse(ctx, sw, http.StatusBadGateway, "UPSTREAM_ERROR", "Failed to proxy request to upstream", requestID)
		return
	}

	resp, err := h.transport.RoundTrip(outReq)
	if err != nil {
		if xh.pending() != nil {
			h.writeSynthetic(sw, xh, requestID)
			return
		}
		logger.Error("upstream request failed", "upstream", h.upstream.Host, "error", err)
		outcome = telemetry.OutcomeUpstreamError
		h.writeErrorResponse(ctx, sw, http.StatusBadGateway, "UPSTREAM_UNREACHABLE", domain.ErrUpstreamUnreachable.Error(), requestID)
		return
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Debug("failed to close upstream response body", "error", cerr)
		}
	}()

	// A request rejection wins over whatever the upstream answered.
	if xh.pending() != nil {
		h.writeSynthetic(sw, xh, requestID)
		return
	}

	responseEOS := resp.Body == http.NoBody || resp.ContentLength == 0
	if xh.responseHeaders(filter.HTTPHeader(resp.Header), responseEOS) == domain.ActionPause {
		h.writeSynthetic(sw, xh, requestID)
		return
	}

	copyHeaders(sw.Header(), resp.Header, h.sanitizer)
	sw.Header().Set(HeaderRequestID, requestID)

	if err := h.streamResponse(sw, resp, xh, requestID); err != nil {
		logger.Error("upstream response read failed", "error", err)
		outcome = telemetry.OutcomeUpstreamError
		if sw.wroteHeader {
			panic(http.ErrAbortHandler)
		}
		h.writeErrorResponse(ctx, sw, http.StatusBadGateway, "UPSTREAM_ERROR", "Failed to read upstream response", requestID)
	}
}

func (h *Handler) upstreamRequest(ctx context.Context, r *http.Request, xh *exchangeHost, requestID string, requestEOS bool) (*http.Request, error) {
	target := *h.upstream
	target.Path, target.RawPath = joinURLPath(h.upstream, r.URL)
	switch {
	case h.upstream.RawQuery == "" || r.URL.RawQuery == "":
		target.RawQuery = h.upstream.RawQuery + r.URL.RawQuery
	default:
		target.RawQuery = h.upstream.RawQuery + "&" + r.URL.RawQuery
	}

	var body io.Reader = http.NoBody
	if !requestEOS {
		body = &guardedBody{src: r.Body, host: xh}
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	outReq.Header = r.Header.Clone()
	h.sanitizer.stripHeaders(outReq.Header)
	outReq.Header.Set(HeaderRequestID, requestID)
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := outReq.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}

	if requestEOS {
		outReq.ContentLength = 0
	} else {
		outReq.ContentLength = r.ContentLength
	}
	return outReq, nil
}

// streamResponse relays the upstream body one read at a time. A rejection
// before the first byte reaches the client is answered with the synthetic
// response; after that the client connection is aborted.
func (h *Handler) streamResponse(w *statusRecorder, resp *http.Response, xh *exchangeHost, requestID string) error {
	buf := make([]byte, streamBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		eof := errors.Is(err, io.EOF)

		if n > 0 || eof {
			action := xh.responseBody(n, eof)
			if action == domain.ActionPause || xh.pending() != nil {
				if !w.wroteHeader {
					h.writeSynthetic(w, xh, requestID)
					return nil
				}
				h.logger.Warn("aborting committed response", "request_id", requestID)
				panic(http.ErrAbortHandler)
			}
		}

		if n > 0 {
			if !w.wroteHeader {
				w.WriteHeader(resp.StatusCode)
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Debug("client went away", "request_id", requestID, "error", werr)
				return nil
			}
			w.Flush()
		}

		if eof {
			break
		}
		if err != nil {
			return err
		}
	}

	if !w.wroteHeader {
		w.WriteHeader(resp.StatusCode)
	}
	return nil
}

// writeSynthetic replaces the exchange's response with the one the filter sent.
func (h *Handler) writeSynthetic(w *statusRecorder, xh *exchangeHost, requestID string) {
	resp := xh.pending()
	if resp == nil {
		return
	}

	header := w.Header()
	for key := range header {
		delete(header, key)
	}
	for _, kv := range resp.headers {
		header.Add(kv[0], kv[1])
	}
	header.Set(HeaderRequestID, requestID)
	header.Set("Content-Length", strconv.Itoa(len(resp.body)))

	w.WriteHeader(int(resp.status))
	if _, err := w.Write(resp.body); err != nil {
		h.logger.Debug("failed to write synthetic response", "request_id", requestID, "error", err)
	}
}

// writeErrorResponse writes the JSON error model for host failures.
func (h *Handler) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, code, message, requestID string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderRequestID, requestID)
	w.WriteHeader(statusCode)

	errResp := domain.ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		TraceID:   traceID,
	}
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
