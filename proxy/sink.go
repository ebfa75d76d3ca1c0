package proxy

import (
	"net/http"

	"github.com/weirproxy/weir/buffer"
	"github.com/weirproxy/weir/dispatch"
	"github.com/weirproxy/weir/filters"
	"github.com/weirproxy/weir/routing"
	"github.com/weirproxy/weir/tracing"
)

// StreamSink is the codec facing surface of one stream. The manager
// hands completed response frames to it, reports flow control and
// termination events, and uses it to evaluate routes and tracing tags.
// Implementations live next to the wire codec and must be called on
// the stream's dispatcher only.
type StreamSink interface {

	// EncodeFiltered100ContinueHeaders emits an informational
	// response head that passed the encoder chain.
	EncodeFiltered100ContinueHeaders(requestHeaders *filters.RequestHeader, responseHeaders *filters.ResponseHeader)

	// EncodeFilteredHeaders emits the response head after the last
	// encoder filter accepted it.
	EncodeFilteredHeaders(headers *filters.ResponseHeader, endStream bool)

	// EncodeFilteredData emits a response body frame after the last
	// encoder filter accepted it.
	EncodeFilteredData(data *buffer.Buffer, endStream bool)

	// EncodeFilteredTrailers emits the response trailers.
	EncodeFilteredTrailers(trailers http.Header)

	// EncodeFilteredMetadata emits response metadata maps.
	EncodeFilteredMetadata(metadata []filters.Metadata)

	// EndStream terminates the response without a reset, used by the
	// timeout paths when the response head is already out.
	EndStream()

	// OnLocalResetStream resets the stream toward the peer.
	OnLocalResetStream()

	// DecoderAboveWriteBufferHighWatermark read-disables the
	// downstream stream.
	DecoderAboveWriteBufferHighWatermark()

	// DecoderBelowWriteBufferLowWatermark read-enables the
	// downstream stream.
	DecoderBelowWriteBufferLowWatermark()

	// RequestTooLarge reports that the buffered request body
	// exceeded the limit without streaming.
	RequestTooLarge()

	// ResponseDataTooLarge reports that the buffered response body
	// exceeded the limit without streaming.
	ResponseDataTooLarge()

	// OnUpgrade reports that an upgrade filter chain was created.
	OnUpgrade()

	// OnIdleTimeout reports that the stream idle timer fired.
	OnIdleTimeout()

	// OnRequestTimeout reports that the overall request timer fired.
	OnRequestTimeout()

	// OnStreamMaxDurationReached reports that the stream hit its
	// maximum duration.
	OnStreamMaxDurationReached()

	// NewStream hands the request headers over to start a fresh
	// stream. On failure the headers are returned so the caller can
	// restore ownership, on success it returns nil.
	NewStream(headers *filters.RequestHeader) *filters.RequestHeader

	// EvaluateRoute matches the request headers against the current
	// route table.
	EvaluateRoute(headers *filters.RequestHeader, info *filters.StreamInfo) *routing.Route

	// EvaluateCustomTags fills the stream's tracing tag map.
	EvaluateCustomTags(tags tracing.CustomTagMap)
}

// FilterChainFactory creates the filter chains of one stream.
type FilterChainFactory interface {

	// CreateFilterChain adds the default filters to the builder.
	CreateFilterChain(b filters.ChainBuilder)

	// CreateUpgradeFilterChain adds the filters for the given
	// upgrade type, consulting the route's upgrade map when not nil.
	// Returns false when the upgrade is not allowed.
	CreateUpgradeFilterChain(upgrade string, upgradeMap map[string]bool, b filters.ChainBuilder) bool
}

// RouteConfigUpdater requests an on-demand route table update for a
// host. The done callback must be posted to the given dispatcher.
type RouteConfigUpdater interface {
	RequestRouteConfigUpdate(host string, d dispatch.Dispatcher, done func(updated bool))
}
