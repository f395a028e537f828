package filter

import (
	"log/slog"

	"github.com/polisai/polis-limitsize/pkg/config"
	"github.com/polisai/polis-limitsize/pkg/domain"
	"github.com/polisai/polis-limitsize/pkg/sizeguard"
)

// Exchange enforces the limits of one request/response pair. It is not safe
// for concurrent use: the host delivers its events one at a time.
type Exchange struct {
	id       uint32
	rootID   uint32
	logger   *slog.Logger
	config   config.FilterConfig
	request  sizeguard.Guard
	response sizeguard.Guard
	host     Host
	recorder Recorder

	// responded is set once a synthetic response has replaced the exchange.
	responded bool
}

// ID returns the exchange context id.
func (e *Exchange) ID() uint32 {
	return e.id
}

// Config returns the snapshot captured when the exchange was created.
func (e *Exchange) Config() config.FilterConfig {
	return e.config
}

// Responded reports whether a synthetic response has been emitted.
func (e *Exchange) Responded() bool {
	return e.responded
}

// RequestBytes returns the request body bytes the guard counted so far. An
// unlimited direction is not counted.
func (e *Exchange) RequestBytes() uint64 {
	return e.request.Accumulated()
}

// ResponseBytes returns the response body bytes the guard counted so far.
func (e *Exchange) ResponseBytes() uint64 {
	return e.response.Accumulated()
}

// OnRequestHeaders runs the declared-length check against the request limit.
func (e *Exchange) OnRequestHeaders(headers HeaderMap, endOfStream bool) domain.Action {
	e.logger.Debug("on_http_request_headers", "end_of_stream", endOfStream)

	value, present := headers.Get(HeaderContentLength)
	if present {
		e.logger.Debug("got content length", "value", value)
	}
	return e.decide(domain.DirectionRequest, e.request.CheckDeclared(value, present))
}

// OnRequestBody counts one request body chunk.
func (e *Exchange) OnRequestBody(size int, endOfStream bool) domain.Action {
	e.logger.Debug("on_http_request_body", "body_size", size, "end_of_stream", endOfStream)

	if e.responded || e.request.Terminated() {
		return domain.ActionContinue
	}
	return e.decide(domain.DirectionRequest, e.request.Observe(chunkSize(size)))
}

// OnResponseHeaders runs the declared-length check against the response
// limit, unless the exchange has already been answered locally.
func (e *Exchange) OnResponseHeaders(headers HeaderMap, endOfStream bool) domain.Action {
	e.logger.Debug("on_http_response_headers", "end_of_stream", endOfStream)

	if e.responded {
		return domain.ActionContinue
	}

	value, present := headers.Get(HeaderContentLength)
	if present {
		e.logger.Debug("got content length", "value", value)
	}
	return e.decide(domain.DirectionResponse, e.response.CheckDeclared(value, present))
}

// OnResponseBody counts one response body chunk, unless the exchange has
// already been answered locally.
func (e *Exchange) OnResponseBody(size int, endOfStream bool) domain.Action {
	e.logger.Debug("on_http_response_body", "body_size", size, "end_of_stream", endOfStream)

	if e.responded || e.response.Terminated() {
		return domain.ActionContinue
	}
	return e.decide(domain.DirectionResponse, e.response.Observe(chunkSize(size)))
}

// OnDone ends the exchange.
func (e *Exchange) OnDone() {
	e.logger.Debug("on_done",
		"request_bytes", e.request.Accumulated(),
		"response_bytes", e.response.Accumulated(),
		"responded", e.responded,
	)
}

func (e *Exchange) decide(dir domain.Direction, v sizeguard.Verdict) domain.Action {
	if !v.Reject {
		return domain.ActionContinue
	}
	return e.bail(dir, v)
}

// bail emits the synthetic response for dir and pauses the phase.
func (e *Exchange) bail(dir domain.Direction, v sizeguard.Verdict) domain.Action {
	status := e.config.StatusFor(dir)
	body := RequestTooLargeBody
	if dir == domain.DirectionResponse {
		body = ResponseTooLargeBody
	}

	e.logger.Info("payload too large",
		"direction", dir,
		"reason", v.Reason,
		"observed", v.Observed,
		"limit", e.config.LimitFor(dir).String(),
		"status", status,
	)

	e.responded = true
	e.host.SendResponse(status, [][2]string{{"content-type", "text/plain; charset=utf-8"}}, []byte(body))

	rej := Rejection{
		RootID:     e.rootID,
		ExchangeID: e.id,
		Direction:  dir,
		Reason:     v.Reason,
		Observed:   v.Observed,
		Limit:      e.config.LimitFor(dir),
		Status:     status,
	}
	if e.recorder != nil {
		e.recorder.RecordRejection(rej)
	}
	if rec, ok := e.host.(Recorder); ok {
		rec.RecordRejection(rej)
	}
	return domain.ActionPause
}

func chunkSize(size int) uint64 {
	if size < 0 {
		return 0
	}
	return uint64(size)
}
