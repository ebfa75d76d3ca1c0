package proxy

import (
	"net"
	"net/http"
	"strings"

	ot "github.com/opentracing/opentracing-go"

	"github.com/weirproxy/weir/buffer"
	"github.com/weirproxy/weir/dispatch"
	"github.com/weirproxy/weir/filters"
	"github.com/weirproxy/weir/metrics"
	"github.com/weirproxy/weir/routing"
)

type iterationState int

const (
	iterationContinue iterationState = iota
	stopSingleIteration
	stopAllBuffer
	stopAllWatermark
)

// filterBase carries the per wrapper iteration state shared by the
// decoder and encoder variants.
type filterBase struct {
	m     *FilterManager
	index int

	state              iterationState
	iterateFromCurrent bool

	// headersCalled is set once the headers callback was invoked,
	// headersContinued once it returned Continue.
	headersCalled    bool
	headersContinued bool

	// continueHeadersContinued marks that a pending 1xx head was
	// replayed to this filter, encoder side only.
	continueHeadersContinued bool

	// endStream marks that the filter has seen its end-of-stream
	// frame. No further frames may be delivered to it.
	endStream bool

	// metadata saved for this filter while its headers callback has
	// not returned or the filter stopped all iteration.
	metadata []filters.Metadata
}

func (f *filterBase) canIterate() bool { return f.state == iterationContinue }

func (f *filterBase) stoppedAll() bool {
	return f.state == stopAllBuffer || f.state == stopAllWatermark
}

func (f *filterBase) allowIteration() { f.state = iterationContinue }

// chainFilter is the direction independent view of a wrapper used by
// the shared continuation and buffering paths.
type chainFilter interface {
	base() *filterBase
	name() string

	// canContinue tells whether a continuation may still run; the
	// decoder side refuses once a local reply completed the stream.
	canContinue() bool

	// complete tells whether this direction has observed its
	// end-of-stream from its source.
	complete() bool

	hasTrailers() bool

	buffered() *buffer.WatermarkBuffer
	setBuffered(*buffer.WatermarkBuffer)
	createBuffer() *buffer.WatermarkBuffer

	// resume100 replays a pending informational head on resume and
	// reports whether the continuation may proceed to the normal
	// headers.
	resume100() bool

	doHeaders(endStream bool)
	doData(endStream bool)
	doTrailers()
	doMetadata()
}

// bufferData moves the provided frame into the direction's buffer,
// creating it on first use. Data already living in the direction
// buffer is left alone since the filter modified it in place.
func bufferData(f chainFilter, provided *buffer.Buffer) {
	b := f.buffered()
	if b == nil {
		b = f.createBuffer()
		f.setBuffered(b)
	}

	if b.Buffer != provided {
		b.Move(provided)
	}
}

// afterHeaders applies the headers status to the wrapper state and
// reports whether the iteration may proceed to the next filter.
func afterHeaders(f chainFilter, status filters.HeadersStatus, headersOnly *bool) bool {
	b := f.base()
	switch status {
	case filters.HeadersStopIteration:
		b.state = stopSingleIteration
	case filters.HeadersStopAllIterationAndBuffer:
		b.state = stopAllBuffer
	case filters.HeadersStopAllIterationAndWatermark:
		b.state = stopAllWatermark
	case filters.HeadersContinueAndEndStream:
		// Keep iterating so the head is written, but end the
		// direction right after.
		*headersOnly = true
		b.m.log.Debugf("converting to headers only: filter=%s", f.name())
	default:
		b.headersContinued = true
	}

	handleMetadataAfterHeaders(f)

	return !b.stoppedAll() && status != filters.HeadersStopIteration
}

// handleMetadataAfterHeaders drains metadata saved while the headers
// callback ran. Draining starts at the current filter; a StopAll
// result defers it to the next continuation instead.
func handleMetadataAfterHeaders(f chainFilter) {
	b := f.base()
	saved := b.iterateFromCurrent
	b.iterateFromCurrent = true
	if !b.stoppedAll() && len(b.metadata) > 0 {
		f.doMetadata()
	}

	b.iterateFromCurrent = saved
}

// afterData applies the data status and reports whether the iteration
// may proceed.
func afterData(f chainFilter, status filters.DataStatus, provided *buffer.Buffer, streaming *bool) bool {
	b := f.base()
	if status == filters.DataContinue {
		if b.state == stopSingleIteration {
			bufferData(f, provided)
			b.m.commonContinue(f)
			return false
		}

		return true
	}

	b.state = stopSingleIteration
	switch status {
	case filters.DataStopIterationAndBuffer, filters.DataStopIterationAndWatermark:
		*streaming = status == filters.DataStopIterationAndWatermark
		bufferData(f, provided)
	default:
		if f.complete() && !f.hasTrailers() && f.buffered() == nil && !b.m.state.destroyed {
			// A zero byte end-stream frame was dropped without
			// buffering. Keep an empty buffer so the resume still
			// emits the end-stream.
			f.setBuffered(f.createBuffer())
		}
	}

	return false
}

// afterTrailers applies the trailers status and reports whether the
// iteration may proceed.
func afterTrailers(f chainFilter, status filters.TrailersStatus) bool {
	b := f.base()
	if status == filters.TrailersContinue {
		if b.state == stopSingleIteration {
			b.m.commonContinue(f)
			return false
		}

		return true
	}

	b.state = stopSingleIteration
	return false
}

// decoderFilter wraps one user decoder filter and implements its
// callbacks surface.
type decoderFilter struct {
	filterBase
	handle filters.DecoderFilter
}

var _ filters.DecoderFilterCallbacks = &decoderFilter{}

func (f *decoderFilter) base() *filterBase { return &f.filterBase }
func (f *decoderFilter) name() string      { return f.handle.Name() }

// canContinue refuses continuations once a local reply or response
// completed the stream, e.g. when final buffering pushed the request
// over the limit and a 413 already went out.
func (f *decoderFilter) canContinue() bool { return !f.m.state.localComplete }

func (f *decoderFilter) complete() bool    { return f.m.state.remoteComplete }
func (f *decoderFilter) hasTrailers() bool { return f.m.requestTrailers != nil }

func (f *decoderFilter) buffered() *buffer.WatermarkBuffer     { return f.m.bufferedRequest }
func (f *decoderFilter) setBuffered(b *buffer.WatermarkBuffer) { f.m.bufferedRequest = b }

func (f *decoderFilter) createBuffer() *buffer.WatermarkBuffer {
	b := buffer.NewWatermark(f.requestDataTooLarge, f.requestDataDrained)
	b.SetWatermarks(f.m.bufferLimit)
	return b
}

func (f *decoderFilter) resume100() bool { return true }

func (f *decoderFilter) doHeaders(endStream bool) {
	f.m.decodeHeaders(f, f.m.requestHeaders, endStream)
}

func (f *decoderFilter) doData(endStream bool) {
	f.m.decodeData(f, f.m.bufferedRequest.Buffer, endStream, startFromCurrent)
}

func (f *decoderFilter) doTrailers() {
	f.m.decodeTrailers(f, f.m.requestTrailers)
}

func (f *decoderFilter) doMetadata() {
	saved := f.metadata
	f.metadata = nil
	for _, md := range saved {
		f.m.decodeMetadata(f, md)
	}
}

func (f *decoderFilter) requestDataTooLarge() {
	f.m.log.Debugf("request data too large watermark exceeded")
	if f.m.state.decoderFiltersStreaming {
		f.m.sink.DecoderAboveWriteBufferHighWatermark()
		return
	}

	f.m.metrics.IncCounter(metrics.KeyRequestTooLarge)
	f.m.sink.RequestTooLarge()
	f.m.SendLocalReply(http.StatusRequestEntityTooLarge, "payload too large", nil, nil, "request_payload_too_large")
}

func (f *decoderFilter) requestDataDrained() {
	// Reached only when the buffering was streaming, a 413 would
	// have been sent otherwise.
	f.m.sink.DecoderBelowWriteBufferLowWatermark()
}

// filters.FilterCallbacks

func (f *decoderFilter) Dispatcher() dispatch.Dispatcher { return f.m.dispatcher }
func (f *decoderFilter) Connection() net.Conn            { return f.m.cfg.Connection }
func (f *decoderFilter) StreamInfo() *filters.StreamInfo { return &f.m.streamInfo }
func (f *decoderFilter) ActiveSpan() ot.Span             { return f.m.activeSpan() }
func (f *decoderFilter) Route() *routing.Route           { return f.m.route() }
func (f *decoderFilter) ClusterInfo() *routing.ClusterInfo {
	return f.m.clusterInfo()
}
func (f *decoderFilter) ClearRouteCache()                  { f.m.clearRouteCache() }
func (f *decoderFilter) RouteConfig() *routing.RouteConfig { return f.m.cfg.RouteConfig }
func (f *decoderFilter) ResetStream()                      { f.m.ResetStream() }

// filters.DecoderFilterCallbacks

func (f *decoderFilter) AddDecodedData(data *buffer.Buffer, streaming bool) {
	f.m.addDecodedData(f, data, streaming)
}

func (f *decoderFilter) AddDecodedTrailers() http.Header {
	return f.m.addDecodedTrailers()
}

func (f *decoderFilter) AddDecodedMetadata(metadata filters.Metadata) {
	f.m.requestMetadata = append(f.m.requestMetadata, metadata)
}

func (f *decoderFilter) InjectDecodedDataToFilterChain(data *buffer.Buffer, endStream bool) {
	f.m.decodeData(f, data, endStream, startFromCurrent)
}

func (f *decoderFilter) ContinueDecoding() { f.m.commonContinue(f) }

func (f *decoderFilter) DecodingBuffer() *buffer.Buffer {
	if f.m.bufferedRequest == nil {
		return nil
	}

	return f.m.bufferedRequest.Buffer
}

func (f *decoderFilter) ModifyDecodingBuffer(mutate func(*buffer.Buffer)) {
	if f.m.latestDataDecoder != f {
		f.m.log.Errorf("cannot modify the decoding buffer: %s is not the latest filter to receive data: %v", f.name(), filters.ErrFilterProtocol)
		return
	}

	if f.m.bufferedRequest == nil {
		f.m.log.Errorf("no decoding buffer to modify: %v", filters.ErrFilterProtocol)
		return
	}

	mutate(f.m.bufferedRequest.Buffer)
}

func (f *decoderFilter) SendLocalReply(code int, body string, modifyHeaders func(*filters.ResponseHeader), grpcStatus *int, details string) {
	f.m.SendLocalReply(code, body, modifyHeaders, grpcStatus, details)
}

func (f *decoderFilter) Encode100ContinueHeaders(headers *filters.ResponseHeader) {
	f.m.Encode100ContinueHeaders(headers)
}

func (f *decoderFilter) EncodeHeaders(headers *filters.ResponseHeader, endStream bool) {
	f.m.EncodeHeaders(headers, endStream)
}

func (f *decoderFilter) EncodeData(data *buffer.Buffer, endStream bool) {
	f.m.EncodeData(data, endStream)
}

func (f *decoderFilter) EncodeTrailers(trailers http.Header) {
	f.m.EncodeTrailers(trailers)
}

func (f *decoderFilter) EncodeMetadata(metadata filters.Metadata) {
	f.m.EncodeMetadata(metadata)
}

func (f *decoderFilter) AddDownstreamWatermarkCallbacks(callbacks filters.DownstreamWatermarkCallbacks) {
	f.m.addDownstreamWatermarkCallbacks(callbacks)
}

func (f *decoderFilter) RemoveDownstreamWatermarkCallbacks(callbacks filters.DownstreamWatermarkCallbacks) {
	f.m.removeDownstreamWatermarkCallbacks(callbacks)
}

func (f *decoderFilter) SetDecoderBufferLimit(limit int) { f.m.SetBufferLimit(limit) }
func (f *decoderFilter) DecoderBufferLimit() int         { return f.m.bufferLimit }

func (f *decoderFilter) RecreateStream() bool {
	// The filter's and the manager's view of whether the stream had
	// a body can differ, re-check the received byte count.
	if !f.complete() || f.m.streamInfo.BytesReceived != 0 {
		return false
	}

	headersIfFailed := f.m.sink.NewStream(f.m.requestHeaders)
	if headersIfFailed != nil {
		f.m.requestHeaders = headersIfFailed
		return false
	}

	f.m.requestHeaders = nil
	return true
}

func (f *decoderFilter) RequestRouteConfigUpdate(done func(updated bool)) {
	if f.m.cfg.RouteConfigUpdater == nil || f.m.requestHeaders == nil {
		f.m.dispatcher.Post(func() { done(false) })
		return
	}

	host := strings.ToLower(f.m.requestHeaders.Host())
	f.m.cfg.RouteConfigUpdater.RequestRouteConfigUpdate(host, f.m.dispatcher, done)
}

// encoderFilter wraps one user encoder filter and implements its
// callbacks surface.
type encoderFilter struct {
	filterBase
	handle filters.EncoderFilter
}

var _ filters.EncoderFilterCallbacks = &encoderFilter{}

func (f *encoderFilter) base() *filterBase { return &f.filterBase }
func (f *encoderFilter) name() string      { return f.handle.Name() }

func (f *encoderFilter) canContinue() bool { return true }
func (f *encoderFilter) complete() bool    { return f.m.state.localComplete }
func (f *encoderFilter) hasTrailers() bool { return f.m.responseTrailers != nil }

func (f *encoderFilter) buffered() *buffer.WatermarkBuffer     { return f.m.bufferedResponse }
func (f *encoderFilter) setBuffered(b *buffer.WatermarkBuffer) { f.m.bufferedResponse = b }

func (f *encoderFilter) createBuffer() *buffer.WatermarkBuffer {
	b := buffer.NewWatermark(f.responseDataTooLarge, f.responseDataDrained)
	b.SetWatermarks(f.m.bufferLimit)
	return b
}

func (f *encoderFilter) resume100() bool {
	if f.m.state.hasContinueHeaders && !f.continueHeadersContinued {
		f.continueHeadersContinued = true
		f.m.encode100ContinueHeaders(f, f.m.continueHeaders)

		// Without the response head there is nothing further to
		// resume yet.
		if f.m.responseHeaders == nil {
			return false
		}
	}

	return true
}

func (f *encoderFilter) doHeaders(endStream bool) {
	f.m.encodeHeaders(f, f.m.responseHeaders, endStream)
}

func (f *encoderFilter) doData(endStream bool) {
	f.m.encodeData(f, f.m.bufferedResponse.Buffer, endStream, startFromCurrent)
}

func (f *encoderFilter) doTrailers() {
	f.m.encodeTrailers(f, f.m.responseTrailers)
}

func (f *encoderFilter) doMetadata() {
	saved := f.metadata
	f.metadata = nil
	for _, md := range saved {
		f.m.encodeMetadata(f, md)
	}
}

// after100Continue applies the informational headers status. Only
// Continue and StopIteration are meaningful for 1xx heads.
func (f *encoderFilter) after100Continue(status filters.HeadersStatus) bool {
	if status == filters.HeadersStopIteration {
		f.state = stopSingleIteration
		return false
	}

	f.continueHeadersContinued = true
	return true
}

func (f *encoderFilter) responseDataTooLarge() {
	if f.m.state.encoderFiltersStreaming {
		f.m.callHighWatermarkCallbacks()
		return
	}

	f.m.metrics.IncCounter(metrics.KeyResponseTooLarge)
	f.m.sink.ResponseDataTooLarge()

	if !f.headersContinued {
		// No head went downstream yet, rewrite the response as a
		// 500. Avoid nested watermark calls from the body buffer and
		// do not pass a second head through the chain, emit straight
		// to the sink.
		f.m.state.encoderFiltersStreaming = true
		f.allowIteration()
		f.m.streamInfo.SetResponseCodeDetails(http.StatusInternalServerError, "response_payload_too_large")
		f.m.sendDirectLocalReply(http.StatusInternalServerError, "internal server error")
		return
	}

	f.m.log.Debugf("resetting stream: response data too large and headers have already been sent")
	f.m.ResetStream()
}

func (f *encoderFilter) responseDataDrained() {
	f.m.callLowWatermarkCallbacks()
}

// filters.FilterCallbacks

func (f *encoderFilter) Dispatcher() dispatch.Dispatcher { return f.m.dispatcher }
func (f *encoderFilter) Connection() net.Conn            { return f.m.cfg.Connection }
func (f *encoderFilter) StreamInfo() *filters.StreamInfo { return &f.m.streamInfo }
func (f *encoderFilter) ActiveSpan() ot.Span             { return f.m.activeSpan() }
func (f *encoderFilter) Route() *routing.Route           { return f.m.route() }
func (f *encoderFilter) ClusterInfo() *routing.ClusterInfo {
	return f.m.clusterInfo()
}
func (f *encoderFilter) ClearRouteCache()                  { f.m.clearRouteCache() }
func (f *encoderFilter) RouteConfig() *routing.RouteConfig { return f.m.cfg.RouteConfig }
func (f *encoderFilter) ResetStream()                      { f.m.ResetStream() }

// filters.EncoderFilterCallbacks

func (f *encoderFilter) AddEncodedData(data *buffer.Buffer, streaming bool) {
	f.m.addEncodedData(f, data, streaming)
}

func (f *encoderFilter) AddEncodedTrailers() http.Header {
	return f.m.addEncodedTrailers()
}

func (f *encoderFilter) AddEncodedMetadata(metadata filters.Metadata) {
	f.m.encodeMetadata(f, metadata)
}

func (f *encoderFilter) InjectEncodedDataToFilterChain(data *buffer.Buffer, endStream bool) {
	f.m.encodeData(f, data, endStream, startFromCurrent)
}

func (f *encoderFilter) ContinueEncoding() { f.m.commonContinue(f) }

func (f *encoderFilter) EncodingBuffer() *buffer.Buffer {
	if f.m.bufferedResponse == nil {
		return nil
	}

	return f.m.bufferedResponse.Buffer
}

func (f *encoderFilter) ModifyEncodingBuffer(mutate func(*buffer.Buffer)) {
	if f.m.latestDataEncoder != f {
		f.m.log.Errorf("cannot modify the encoding buffer: %s is not the latest filter to receive data: %v", f.name(), filters.ErrFilterProtocol)
		return
	}

	if f.m.bufferedResponse == nil {
		f.m.log.Errorf("no encoding buffer to modify: %v", filters.ErrFilterProtocol)
		return
	}

	mutate(f.m.bufferedResponse.Buffer)
}

func (f *encoderFilter) SendLocalReply(code int, body string, modifyHeaders func(*filters.ResponseHeader), grpcStatus *int, details string) {
	f.m.SendLocalReply(code, body, modifyHeaders, grpcStatus, details)
}

func (f *encoderFilter) SetEncoderBufferLimit(limit int) { f.m.SetBufferLimit(limit) }
func (f *encoderFilter) EncoderBufferLimit() int         { return f.m.bufferLimit }
