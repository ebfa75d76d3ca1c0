package filters

import (
	"time"

	"github.com/weirproxy/weir/routing"
)

// StreamInfo accumulates the per stream state that filters and access
// logging read. The stream manager owns the instance and updates it as
// the stream progresses.
type StreamInfo struct {

	// StreamId identifies the stream, assigned at creation.
	StreamId string

	// StartTime of the stream.
	StartTime time.Time

	// BytesReceived counts the decoded request body bytes seen so
	// far.
	BytesReceived int64

	// BytesSent counts the encoded response body bytes seen so far.
	BytesSent int64

	// ResponseCode of the response headers, zero until headers were
	// encoded.
	ResponseCode int

	// ResponseCodeDetails explains where the response code came
	// from, e.g. a local reply reason.
	ResponseCodeDetails string

	// Route the stream was matched to, nil while unmatched.
	Route *routing.Route

	// RouteConfig snapshot the stream was matched against.
	RouteConfig *routing.RouteConfig
}

// SetResponseCodeDetails records the response code with the reason it
// was chosen.
func (si *StreamInfo) SetResponseCodeDetails(code int, details string) {
	si.ResponseCode = code
	si.ResponseCodeDetails = details
}
