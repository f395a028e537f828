// Package filter wires size guards into the two contracts a host drives: a
// long-lived Root that owns the configuration, and one Exchange per HTTP
// request/response pair.
//
// The host calls Root.OnVMStart and Root.OnConfigure during setup (and
// OnConfigure again on every reconfiguration), creates an Exchange for each
// new request with Root.NewExchange, delivers header and body events to it
// one at a time, and finally calls Exchange.OnDone.
package filter

import (
	"net/http"

	"github.com/polisai/polis-limitsize/pkg/domain"
	"github.com/polisai/polis-limitsize/pkg/sizeguard"
)

// HeaderContentLength is the header consulted for the declared-length fast path.
const HeaderContentLength = "Content-Length"

// Synthetic response bodies.
const (
	RequestTooLargeBody  = "Payload Too Large"
	ResponseTooLargeBody = "Bad Gateway: Payload Too Large"
)

// HeaderMap looks up a header value by name.
type HeaderMap interface {
	Get(name string) (string, bool)
}

// HTTPHeader adapts net/http headers to HeaderMap. Lookups are case
// insensitive and return the first value.
type HTTPHeader http.Header

// Get implements HeaderMap.
func (h HTTPHeader) Get(name string) (string, bool) {
	values := http.Header(h).Values(name)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Host is the side of the runtime that can replace an exchange's traffic with
// a locally generated response. A Host that also implements Recorder is told
// about the rejection of its own exchange after the response was sent.
type Host interface {
	SendResponse(status uint32, headers [][2]string, body []byte)
}

// HostFunc adapts a function to Host.
type HostFunc func(status uint32, headers [][2]string, body []byte)

// SendResponse implements Host.
func (f HostFunc) SendResponse(status uint32, headers [][2]string, body []byte) {
	f(status, headers, body)
}

// Rejection describes one terminated direction.
type Rejection struct {
	RootID     uint32
	ExchangeID uint32
	Direction  domain.Direction
	Reason     sizeguard.Reason
	Observed   uint64
	Limit      domain.Limit
	Status     uint32
}

// Recorder is told about rejections, typically to update metrics. It cannot
// influence the decision.
type Recorder interface {
	RecordRejection(r Rejection)
}
