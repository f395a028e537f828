package proxy

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/polisai/polis-limitsize/pkg/domain"
	"github.com/polisai/polis-limitsize/pkg/filter"
)

type syntheticResponse struct {
	status  uint32
	headers [][2]string
	body    []byte
}

// exchangeHost serialises the events of one exchange. The request body is
// read on the transport's goroutine while the handler goroutine deals with
// the response, so every call into the exchange holds mu.
type exchangeHost struct {
	mu        sync.Mutex
	ex        *filter.Exchange
	response  *syntheticResponse
	rejection *filter.Rejection
	done      bool

	// Body bytes read from either side, whatever the filter decided.
	requestRead  uint64
	responseRead uint64
}

// SendResponse implements filter.Host. It runs inside an exchange event, with
// mu already held.
func (x *exchangeHost) SendResponse(status uint32, headers [][2]string, body []byte) {
	x.response = &syntheticResponse{
		status:  status,
		headers: headers,
		body:    append([]byte(nil), body...),
	}
}

// RecordRejection implements filter.Recorder, with mu already held.
func (x *exchangeHost) RecordRejection(r filter.Rejection) {
	x.rejection = &r
}

func (x *exchangeHost) requestHeaders(h filter.HeaderMap, endOfStream bool) domain.Action {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.done {
		return domain.ActionContinue
	}
	return x.ex.OnRequestHeaders(h, endOfStream)
}

func (x *exchangeHost) requestBody(size int, endOfStream bool) domain.Action {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.requestRead += uint64(max(size, 0))
	if x.done {
		return domain.ActionContinue
	}
	return x.ex.OnRequestBody(size, endOfStream)
}

func (x *exchangeHost) responseHeaders(h filter.HeaderMap, endOfStream bool) domain.Action {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.done {
		return domain.ActionContinue
	}
	return x.ex.OnResponseHeaders(h, endOfStream)
}

func (x *exchangeHost) responseBody(size int, endOfStream bool) domain.Action {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.responseRead += uint64(max(size, 0))
	if x.done {
		return domain.ActionContinue
	}
	return x.ex.OnResponseBody(size, endOfStream)
}

func (x *exchangeHost) pending() *syntheticResponse {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.response
}

func (x *exchangeHost) rejected() *filter.Rejection {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rejection
}

// finish ends the exchange exactly once and returns the body bytes read in
// each direction.
func (x *exchangeHost) finish() (requestBytes, responseBytes uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.done {
		x.done = true
		x.ex.OnDone()
	}
	return x.requestRead, x.responseRead
}

// guardedBody reports every chunk the transport reads to the exchange and
// fails the read once the request direction is rejected.
type guardedBody struct {
	src      io.ReadCloser
	host     *exchangeHost
	rejected bool
}

func (b *guardedBody) Read(p []byte) (int, error) {
	if b.rejected {
		return 0, fmt.Errorf("request body: %w", domain.ErrPayloadTooLarge)
	}

	n, err := b.src.Read(p)
	eof := errors.Is(err, io.EOF)
	if n > 0 || eof {
		if b.host.requestBody(n, eof) == domain.ActionPause {
			b.rejected = true
			return 0, fmt.Errorf("request body: %w", domain.ErrPayloadTooLarge)
		}
	}
	return n, err
}

func (b *guardedBody) Close() error {
	return b.src.Close()
}
