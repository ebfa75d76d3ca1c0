/*
Package filters contains the public interface between the filter chain
manager and the user supplied filters.

A filter processes the frames of one HTTP exchange in one direction:
decoder filters see the request flowing toward the upstream, encoder
filters see the response flowing back to the client. Filters are
organized into ordered chains, and every callback returns a status
telling the manager whether the iteration over the chain may proceed,
must pause, or must pause for all future frames as well.

Filters talk back to the manager through the callbacks interfaces,
which let them add or inject body data, synthesize trailers, queue
metadata, resume a paused iteration, access the stream's route and
tracing span, and adjust flow control.
*/
package filters

import (
	"errors"
	"net"
	"net/http"

	ot "github.com/opentracing/opentracing-go"

	"github.com/weirproxy/weir/buffer"
	"github.com/weirproxy/weir/dispatch"
	"github.com/weirproxy/weir/routing"
)

// ErrFilterProtocol is returned or logged when a filter uses its
// callbacks outside the allowed call states, e.g. adding trailers
// while not in the last data frame.
var ErrFilterProtocol = errors.New("filter protocol violation")

// ErrInvalidFilterParameters is used in case of invalid filter parameters.
var ErrInvalidFilterParameters = errors.New("invalid filter parameters")

// RequestHeader is the request head of one stream. It stays mutable
// until the terminal decoder filter forwards it upstream.
type RequestHeader struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Header    http.Header
}

// Upgrade returns the value of the Upgrade header.
func (h *RequestHeader) Upgrade() string {
	return h.Header.Get("Upgrade")
}

// Host returns the authority of the request.
func (h *RequestHeader) Host() string {
	return h.Authority
}

// ResponseHeader is the response head of one stream.
type ResponseHeader struct {
	Status int
	Header http.Header
}

// Metadata is one metadata map frame. Metadata never carries
// end-of-stream.
type Metadata map[string]string

// HeadersStatus is returned by the headers callbacks.
type HeadersStatus int

const (
	// HeadersContinue passes the headers on to the next filter.
	HeadersContinue HeadersStatus = iota

	// HeadersStopIteration pauses the iteration for this frame.
	// Frames of other types still reach the filter.
	HeadersStopIteration

	// HeadersStopAllIterationAndBuffer pauses the iteration for
	// all frame types, buffering arriving data on this filter.
	HeadersStopAllIterationAndBuffer

	// HeadersStopAllIterationAndWatermark pauses the iteration for
	// all frame types, buffering arriving data on this filter and
	// raising watermarks when the buffered amount exceeds the limit.
	HeadersStopAllIterationAndWatermark

	// HeadersContinueAndEndStream continues the iteration but
	// converts the direction to headers-only: body and trailers
	// arriving later are dropped.
	HeadersContinueAndEndStream
)

func (s HeadersStatus) String() string {
	switch s {
	case HeadersContinue:
		return "Continue"
	case HeadersStopIteration:
		return "StopIteration"
	case HeadersStopAllIterationAndBuffer:
		return "StopAllIterationAndBuffer"
	case HeadersStopAllIterationAndWatermark:
		return "StopAllIterationAndWatermark"
	case HeadersContinueAndEndStream:
		return "ContinueAndEndStream"
	default:
		return "Unknown"
	}
}

// DataStatus is returned by the data callbacks.
type DataStatus int

const (
	// DataContinue passes the data on to the next filter.
	DataContinue DataStatus = iota

	// DataStopIterationAndBuffer pauses the iteration, moving the
	// frame into the direction's buffer. The buffer limit applies,
	// exceeding it triggers the too-large policy.
	DataStopIterationAndBuffer

	// DataStopIterationAndWatermark pauses the iteration, moving
	// the frame into the direction's buffer. Exceeding the limit
	// raises watermarks instead of erroring out.
	DataStopIterationAndWatermark

	// DataStopIterationNoBuffer pauses the iteration and drops the
	// frame.
	DataStopIterationNoBuffer
)

func (s DataStatus) String() string {
	switch s {
	case DataContinue:
		return "Continue"
	case DataStopIterationAndBuffer:
		return "StopIterationAndBuffer"
	case DataStopIterationAndWatermark:
		return "StopIterationAndWatermark"
	case DataStopIterationNoBuffer:
		return "StopIterationNoBuffer"
	default:
		return "Unknown"
	}
}

// TrailersStatus is returned by the trailers callbacks.
type TrailersStatus int

const (
	// TrailersContinue passes the trailers on to the next filter.
	TrailersContinue TrailersStatus = iota

	// TrailersStopIteration pauses the iteration.
	TrailersStopIteration
)

func (s TrailersStatus) String() string {
	switch s {
	case TrailersContinue:
		return "Continue"
	default:
		return "StopIteration"
	}
}

// MetadataStatus is returned by the metadata callbacks. Metadata
// cannot pause the iteration.
type MetadataStatus int

// MetadataContinue passes the metadata on to the next filter.
const MetadataContinue MetadataStatus = 0

// DecoderFilter processes the request direction of one stream.
type DecoderFilter interface {

	// Name identifies the filter in logs and metrics.
	Name() string

	// DecodeHeaders is called with the request head. endStream is
	// true when the request has no body and no trailers.
	DecodeHeaders(headers *RequestHeader, endStream bool) HeadersStatus

	// DecodeData is called with each request body frame. The
	// filter may modify the buffer in place.
	DecodeData(data *buffer.Buffer, endStream bool) DataStatus

	// DecodeTrailers is called with the request trailers.
	DecodeTrailers(trailers http.Header) TrailersStatus

	// DecodeMetadata is called with each request metadata map.
	DecodeMetadata(metadata Metadata) MetadataStatus

	// DecodeComplete is called once the filter has seen the frame
	// carrying end-of-stream for the request.
	DecodeComplete()

	// SetDecoderFilterCallbacks hands the filter its channel back
	// to the manager, before any decode callback.
	SetDecoderFilterCallbacks(callbacks DecoderFilterCallbacks)
}

// EncoderFilter processes the response direction of one stream.
type EncoderFilter interface {

	// Name identifies the filter in logs and metrics.
	Name() string

	// Encode100ContinueHeaders is called with a 1xx response head
	// when proxying of 100-continue is enabled.
	Encode100ContinueHeaders(headers *ResponseHeader) HeadersStatus

	// EncodeHeaders is called with the response head. endStream is
	// true when the response has no body and no trailers.
	EncodeHeaders(headers *ResponseHeader, endStream bool) HeadersStatus

	// EncodeData is called with each response body frame. The
	// filter may modify the buffer in place.
	EncodeData(data *buffer.Buffer, endStream bool) DataStatus

	// EncodeTrailers is called with the response trailers.
	EncodeTrailers(trailers http.Header) TrailersStatus

	// EncodeMetadata is called with each response metadata map.
	EncodeMetadata(metadata Metadata) MetadataStatus

	// EncodeComplete is called once the filter has seen the frame
	// carrying end-of-stream for the response.
	EncodeComplete()

	// SetEncoderFilterCallbacks hands the filter its channel back
	// to the manager, before any encode callback.
	SetEncoderFilterCallbacks(callbacks EncoderFilterCallbacks)
}

// DownstreamWatermarkCallbacks is registered by a decoder filter to
// observe the stream's flow control state.
type DownstreamWatermarkCallbacks interface {
	OnAboveWriteBufferHighWatermark()
	OnBelowWriteBufferLowWatermark()
}

// FilterCallbacks is the part of the manager's surface common to both
// directions.
type FilterCallbacks interface {

	// Dispatcher returns the event loop the stream is pinned to.
	Dispatcher() dispatch.Dispatcher

	// Connection returns the downstream connection, when known.
	Connection() net.Conn

	// StreamInfo returns the mutable per-stream info record.
	StreamInfo() *StreamInfo

	// ActiveSpan returns the stream's tracing span, or a no-op
	// span when the stream is not traced.
	ActiveSpan() ot.Span

	// Route returns the stream's route, evaluating and caching it
	// on first use.
	Route() *routing.Route

	// ClusterInfo returns the cluster of the cached route.
	ClusterInfo() *routing.ClusterInfo

	// ClearRouteCache discards the cached route so the next Route
	// call re-evaluates it.
	ClearRouteCache()

	// RouteConfig returns the route table snapshot of the stream,
	// when available.
	RouteConfig() *routing.RouteConfig

	// ResetStream resets the stream toward the downstream peer.
	ResetStream()
}

// DecoderFilterCallbacks is the manager surface exposed to decoder
// filters.
type DecoderFilterCallbacks interface {
	FilterCallbacks

	// AddDecodedData appends data to the request body. During a
	// headers or data callback the bytes land in the direction's
	// buffer; during a trailers callback they are dispatched
	// inline to the filters after this one.
	AddDecodedData(data *buffer.Buffer, streaming bool)

	// AddDecodedTrailers synthesizes request trailers. Allowed
	// only during the last data frame, and only once per stream.
	AddDecodedTrailers() http.Header

	// AddDecodedMetadata queues a metadata map that is dispatched
	// through the chain once the current callback returns.
	AddDecodedMetadata(metadata Metadata)

	// InjectDecodedDataToFilterChain dispatches data to the chain
	// starting at the filter after this one, outside of a decode
	// callback.
	InjectDecodedDataToFilterChain(data *buffer.Buffer, endStream bool)

	// ContinueDecoding resumes a stopped decoder iteration.
	ContinueDecoding()

	// DecodingBuffer returns the buffered request body, or nil when
	// nothing is buffered.
	DecodingBuffer() *buffer.Buffer

	// ModifyDecodingBuffer runs mutate on the buffered request body.
	// Only the farthest filter that has received a data callback may
	// modify the buffer; calls from any other filter are dropped.
	ModifyDecodingBuffer(mutate func(*buffer.Buffer))

	// SendLocalReply short-circuits the exchange with a locally
	// generated response.
	SendLocalReply(code int, body string, modifyHeaders func(*ResponseHeader), grpcStatus *int, details string)

	// Encode100ContinueHeaders starts proxying a 1xx response.
	Encode100ContinueHeaders(headers *ResponseHeader)

	// EncodeHeaders starts the response through the encoder chain.
	EncodeHeaders(headers *ResponseHeader, endStream bool)

	// EncodeData sends a response body frame through the encoder
	// chain.
	EncodeData(data *buffer.Buffer, endStream bool)

	// EncodeTrailers sends the response trailers through the
	// encoder chain.
	EncodeTrailers(trailers http.Header)

	// EncodeMetadata sends a response metadata map through the
	// encoder chain.
	EncodeMetadata(metadata Metadata)

	// AddDownstreamWatermarkCallbacks subscribes to the stream's
	// flow control events.
	AddDownstreamWatermarkCallbacks(callbacks DownstreamWatermarkCallbacks)

	// RemoveDownstreamWatermarkCallbacks removes a subscription.
	RemoveDownstreamWatermarkCallbacks(callbacks DownstreamWatermarkCallbacks)

	// SetDecoderBufferLimit adjusts the stream's buffer limit.
	SetDecoderBufferLimit(limit int)

	// DecoderBufferLimit returns the stream's buffer limit.
	DecoderBufferLimit() int

	// RecreateStream hands the request headers back to the codec
	// to restart the stream, possible only for complete, bodyless
	// requests. Returns false when the codec refuses.
	RecreateStream() bool

	// RequestRouteConfigUpdate asks for an on-demand route table
	// update for the stream's host. done is called with the
	// outcome on the stream's dispatcher.
	RequestRouteConfigUpdate(done func(updated bool))
}

// EncoderFilterCallbacks is the manager surface exposed to encoder
// filters.
type EncoderFilterCallbacks interface {
	FilterCallbacks

	// AddEncodedData appends data to the response body. During a
	// headers or data callback the bytes land in the direction's
	// buffer; during a trailers callback they are dispatched
	// inline to the filters after this one.
	AddEncodedData(data *buffer.Buffer, streaming bool)

	// AddEncodedTrailers synthesizes response trailers. Allowed
	// only during the last data frame, and only once per stream.
	AddEncodedTrailers() http.Header

	// AddEncodedMetadata dispatches a metadata map through the
	// chain starting after this filter.
	AddEncodedMetadata(metadata Metadata)

	// InjectEncodedDataToFilterChain dispatches data to the chain
	// starting at the filter after this one, outside of an encode
	// callback.
	InjectEncodedDataToFilterChain(data *buffer.Buffer, endStream bool)

	// ContinueEncoding resumes a stopped encoder iteration.
	ContinueEncoding()

	// EncodingBuffer returns the buffered response body, or nil when
	// nothing is buffered.
	EncodingBuffer() *buffer.Buffer

	// ModifyEncodingBuffer runs mutate on the buffered response body.
	// Only the farthest filter that has received a data callback may
	// modify the buffer; calls from any other filter are dropped.
	ModifyEncodingBuffer(mutate func(*buffer.Buffer))

	// SendLocalReply short-circuits the exchange with a locally
	// generated response.
	SendLocalReply(code int, body string, modifyHeaders func(*ResponseHeader), grpcStatus *int, details string)

	// SetEncoderBufferLimit adjusts the stream's buffer limit.
	SetEncoderBufferLimit(limit int)

	// EncoderBufferLimit returns the stream's buffer limit.
	EncoderBufferLimit() int
}

// ChainBuilder collects the filters of one stream in chain order. It
// is passed to the chain factory on stream creation.
type ChainBuilder interface {

	// AddDecoderFilter appends a filter to the decoder chain.
	AddDecoderFilter(filter DecoderFilter)

	// AddEncoderFilter appends a filter to the encoder chain.
	AddEncoderFilter(filter EncoderFilter)

	// AddStreamFilter appends a filter implementing both
	// directions to both chains.
	AddStreamFilter(filter StreamFilter)
}

// StreamFilter processes both directions of one stream.
type StreamFilter interface {
	DecoderFilter
	EncoderFilter
}
