package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-limitsize/pkg/domain"
	"github.com/polisai/polis-limitsize/pkg/filter"
	"github.com/polisai/polis-limitsize/pkg/telemetry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type upstreamStub struct {
	*httptest.Server
	hits      atomic.Int32
	requestID atomic.Value
}

// newUpstream serves /echo (echoes the request body) and /bytes?n=N, which
// answers with N bytes and a declared length.
func newUpstream(t *testing.T) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		stub.requestID.Store(r.Header.Get(HeaderRequestID))
		switch r.URL.Path {
		case "/echo":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write(body)
		case "/bytes":
			n, _ := strconv.Atoi(r.URL.Query().Get("n"))
			w.Header().Set("Content-Length", strconv.Itoa(n))
			_, _ = w.Write([]byte(strings.Repeat("x", n)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(stub.Close)
	return stub
}

func newRoot(t *testing.T, raw string, rec filter.Recorder) *filter.Root {
	t.Helper()
	var opts []filter.RootOption
	if rec != nil {
		opts = append(opts, filter.WithRecorder(rec))
	}
	root := filter.NewRoot(1, quietLogger(), opts...)
	require.True(t, root.OnVMStart(nil))
	require.True(t, root.OnConfigure([]byte(raw)))
	return root
}

func newProxy(t *testing.T, root *filter.Root, upstream string, transport http.RoundTripper, metrics *telemetry.Metrics) *httptest.Server {
	t.Helper()
	target, err := url.Parse(upstream)
	require.NoError(t, err)

	front := httptest.NewServer(NewHandler(Config{
		Root:      root,
		Upstream:  target,
		Transport: transport,
		Logger:    quietLogger(),
		Metrics:   metrics,
	}))
	t.Cleanup(front.Close)
	return front
}

func do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestLimitSize(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		method      string
		path        string
		body        string
		chunked     bool
		wantStatus  int
		wantBody    string
		wantForward bool
	}{
		{
			name:       "LimitRequest-1B-Fail",
			config:     `{"maxRequestSize": 1}`,
			method:     http.MethodPost,
			path:       "/echo",
			body:       "hello",
			wantStatus: http.StatusRequestEntityTooLarge,
			wantBody:   filter.RequestTooLargeBody,
		},
		{
			name:       "LimitRequest-5B-CT-Fail",
			config:     `{"maxRequestSize": 5}`,
			method:     http.MethodPost,
			path:       "/echo",
			body:       "hello world",
			chunked:    true,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantBody:   filter.RequestTooLargeBody,
		},
		{
			name:        "LimitRequest-100B-Ok",
			config:      `{"maxRequestSize": 100}`,
			method:      http.MethodPost,
			path:        "/echo",
			body:        strings.Repeat("a", 100),
			wantStatus:  http.StatusOK,
			wantBody:    strings.Repeat("a", 100),
			wantForward: true,
		},
		{
			name:        "LimitResponse-1B-Fail",
			config:      `{"maxResponseSize": 1}`,
			method:      http.MethodGet,
			path:        "/bytes?n=2",
			wantStatus:  http.StatusBadGateway,
			wantBody:    filter.ResponseTooLargeBody,
			wantForward: true,
		},
		{
			name:        "LimitResponse-100B-Ok",
			config:      `{"maxResponseSize": 100}`,
			method:      http.MethodGet,
			path:        "/bytes?n=100",
			wantStatus:  http.StatusOK,
			wantBody:    strings.Repeat("x", 100),
			wantForward: true,
		},
		{
			name:        "ResponseStatusOverride",
			config:      `{"maxResponseSize": 10, "statusCodes": {"response": 500}}`,
			method:      http.MethodGet,
			path:        "/bytes?n=11",
			wantStatus:  http.StatusInternalServerError,
			wantBody:    filter.ResponseTooLargeBody,
			wantForward: true,
		},
		{
			name:        "UnlimitedRequest",
			config:      `{"maxRequestSize": null}`,
			method:      http.MethodPost,
			path:        "/echo",
			body:        strings.Repeat("z", 4096),
			chunked:     true,
			wantStatus:  http.StatusOK,
			wantBody:    strings.Repeat("z", 4096),
			wantForward: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := newUpstream(t)
			front := newProxy(t, newRoot(t, tt.config, nil), upstream.URL, nil, nil)

			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
				if tt.chunked {
					body = io.MultiReader(body)
				}
			}
			req, err := http.NewRequest(tt.method, front.URL+tt.path, body)
			require.NoError(t, err)
			if tt.chunked {
				req.ContentLength = -1
			}

			resp, got := do(t, req)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantBody, got)
			assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
			if !tt.wantForward && !tt.chunked {
				assert.Zero(t, upstream.hits.Load())
			}
			if tt.wantForward {
				assert.Equal(t, int32(1), upstream.hits.Load())
			}
		})
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	upstream := newUpstream(t)
	front := newProxy(t, newRoot(t, `{}`, nil), upstream.URL, nil, nil)

	req, err := http.NewRequest(http.MethodGet, front.URL+"/bytes?n=3", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-123")

	resp, body := do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "xxx", body)
	assert.Equal(t, "req-123", resp.Header.Get(HeaderRequestID))
	assert.Equal(t, "req-123", upstream.requestID.Load())
}

func TestUpstreamUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	front := newProxy(t, newRoot(t, `{}`, nil), deadURL, nil, nil)

	req, err := http.NewRequest(http.MethodGet, front.URL+"/anything", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-dead")

	resp, body := do(t, req)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &errResp))
	assert.Equal(t, "UPSTREAM_UNREACHABLE", errResp.Code)
	assert.Equal(t, "req-dead", errResp.RequestID)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// chunkedBody returns its chunks one Read at a time.
type chunkedBody struct {
	chunks [][]byte
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if len(b.chunks[0]) == 0 {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error { return nil }

func streamingTransport(chunks ...string) http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		body := &chunkedBody{}
		for _, c := range chunks {
			body.chunks = append(body.chunks, []byte(c))
		}
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        http.Header{"Content-Type": {"text/plain"}},
			Body:          body,
			ContentLength: -1,
			Request:       r,
		}, nil
	})
}

func TestResponseRejectedBeforeCommit(t *testing.T) {
	front := newProxy(t, newRoot(t, `{"maxResponseSize": 2}`, nil), "http://upstream.invalid", streamingTransport("abc"), nil)

	req, err := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	require.NoError(t, err)

	resp, body := do(t, req)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, filter.ResponseTooLargeBody, body)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestResponseAbortedAfterCommit(t *testing.T) {
	front := newProxy(t, newRoot(t, `{"maxResponseSize": 2}`, nil), "http://upstream.invalid", streamingTransport("ab", "c"), nil)

	resp, err := http.Get(front.URL + "/")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err)
}

func TestResponseStreamedWithinLimit(t *testing.T) {
	front := newProxy(t, newRoot(t, `{"maxResponseSize": 6}`, nil), "http://upstream.invalid", streamingTransport("ab", "cd", "ef"), nil)

	req, err := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	require.NoError(t, err)

	resp, body := do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abcdef", body)
}

func TestRequestRejectionWinsOverUpstreamAnswer(t *testing.T) {
	var readErr atomic.Value
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		_, err := io.ReadAll(r.Body)
		if err != nil {
			readErr.Store(err)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("upstream")),
			Request:    r,
		}, nil
	})
	front := newProxy(t, newRoot(t, `{"maxRequestSize": 4}`, nil), "http://upstream.invalid", transport, nil)

	req, err := http.NewRequest(http.MethodPost, front.URL+"/", io.MultiReader(strings.NewReader("too long")))
	require.NoError(t, err)
	req.ContentLength = -1

	resp, body := do(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, filter.RequestTooLargeBody, body)

	stored, ok := readErr.Load().(error)
	require.True(t, ok)
	assert.True(t, errors.Is(stored, domain.ErrPayloadTooLarge))
}

func TestRejectionsAreCounted(t *testing.T) {
	metrics := telemetry.NewMetrics()
	upstream := newUpstream(t)
	front := newProxy(t, newRoot(t, `{"maxRequestSize": 1}`, metrics), upstream.URL, nil, metrics)

	req, err := http.NewRequest(http.MethodPost, front.URL+"/echo", strings.NewReader("hello"))
	require.NoError(t, err)
	resp, _ := do(t, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	scrape := func() string {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Body.String()
	}
	assert.Contains(t, scrape(), `limitsize_rejections_total{direction="request",reason="declared_length",status_code="413"} 1`)
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(), `limitsize_exchanges_total{outcome="rejected"} 1`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBodySizesAreRecordedForUnlimitedDirections(t *testing.T) {
	metrics := telemetry.NewMetrics()
	upstream := newUpstream(t)
	front := newProxy(t, newRoot(t, `{"maxRequestSize": null, "maxResponseSize": null}`, metrics), upstream.URL, nil, metrics)

	req, err := http.NewRequest(http.MethodPost, front.URL+"/echo", strings.NewReader("hello"))
	require.NoError(t, err)
	resp, body := do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", body)

	scrape := func() string {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Body.String()
	}
	assert.Eventually(t, func() bool {
		out := scrape()
		return strings.Contains(out, `limitsize_body_size_bytes_sum{direction="request"} 5`) &&
			strings.Contains(out, `limitsize_body_size_bytes_sum{direction="response"} 5`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewHandlerRequiresRootAndUpstream(t *testing.T) {
	assert.Panics(t, func() { NewHandler(Config{}) })
	assert.Panics(t, func() { NewHandler(Config{Root: filter.NewRoot(1, quietLogger())}) })
}
