/*
Package proxy implements the filter chain manager of one HTTP stream.

The manager owns the decoder and encoder filter chains of a stream. The
wire codec feeds it the request frames through the Decode entry points,
filters feed it the response frames through the Encode entry points,
and completed response frames leave through the StreamSink. Between the
two it runs the chain iteration: delivering each frame to the filters
in order, honoring the stop and buffer statuses they return, resuming
stopped iterations, enforcing the buffer limits and the stream timers,
and short-circuiting the exchange with locally generated replies.

All methods of the manager must be called on the stream's dispatcher.
*/
package proxy

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	ot "github.com/opentracing/opentracing-go"

	"github.com/weirproxy/weir/buffer"
	"github.com/weirproxy/weir/dispatch"
	"github.com/weirproxy/weir/filters"
	"github.com/weirproxy/weir/logging"
	"github.com/weirproxy/weir/metrics"
	"github.com/weirproxy/weir/routing"
	"github.com/weirproxy/weir/tracing"
)

// iterationStart selects where a chain iteration begins relative to
// the filter it was started from.
type iterationStart int

const (

	// startFromNext starts with the filter after the originating one.
	// Headers and informational heads always use it, the originating
	// filter has seen them already.
	startFromNext iterationStart = iota

	// startFromCurrent starts with the originating filter itself when
	// it resumes from a stop-all state, since the frame arrived while
	// it was not iterating.
	startFromCurrent
)

// callState tracks which filter callback is on the stack. Filters use
// their callbacks surface during their own callbacks, and some of the
// callback methods behave differently depending on the caller's frame
// type.
type callState int

const (
	callDecodeHeaders callState = 1 << iota
	callDecodeData
	callDecodeTrailers
	callEncodeHeaders
	callEncodeData
	callEncodeTrailers
	callEncode100ContinueHeaders

	// callLastDataFrame marks that the data callback on the stack
	// carries end-of-stream, permitting trailer synthesis.
	callLastDataFrame
)

type streamState struct {

	// remoteComplete is set once the request direction has seen its
	// end-of-stream, localComplete once the response direction has.
	remoteComplete bool
	localComplete  bool

	hasContinueHeaders bool
	createdFilterChain bool
	successfulUpgrade  bool
	destroyed          bool

	// decodingHeadersOnly and encodingHeadersOnly drop body and
	// trailers of the respective direction.
	decodingHeadersOnly bool
	encodingHeadersOnly bool

	// encodedEndStream is set once the response end-of-stream left
	// through the sink. Nothing may be emitted after it.
	encodedEndStream bool

	// decoderFiltersStreaming and encoderFiltersStreaming select the
	// watermark policy over the too-large policy when the direction
	// buffer overflows.
	decoderFiltersStreaming bool
	encoderFiltersStreaming bool
}

// FilterManager runs the filter chains of one stream. Create one per
// stream with New, feed it the request through the Decode methods and
// the response through the Encode methods.
type FilterManager struct {
	cfg        Config
	dispatcher dispatch.Dispatcher
	sink       StreamSink
	factory    FilterChainFactory

	log     logging.Logger
	metrics metrics.Metrics

	decoders []*decoderFilter
	encoders []*encoderFilter

	requestHeaders  *filters.RequestHeader
	requestTrailers http.Header

	// requestMetadata stages metadata added during a decode callback
	// until the callback returns.
	requestMetadata []filters.Metadata

	continueHeaders  *filters.ResponseHeader
	responseHeaders  *filters.ResponseHeader
	responseTrailers http.Header

	bufferedRequest  *buffer.WatermarkBuffer
	bufferedResponse *buffer.WatermarkBuffer
	bufferLimit      int

	callState callState
	state     streamState

	// latestDataDecoder and latestDataEncoder point at the farthest
	// filter per direction that has received a data callback. Only
	// that filter may modify the direction's buffered body.
	latestDataDecoder *decoderFilter
	latestDataEncoder *encoderFilter

	highWatermarkCount int
	watermarkCallbacks []filters.DownstreamWatermarkCallbacks

	streamInfo filters.StreamInfo

	routeCached bool
	cachedRoute *routing.Route
	customTags  tracing.CustomTagMap

	idleTimer        dispatch.Timer
	requestTimer     dispatch.Timer
	maxDurationTimer dispatch.Timer
}

var _ filters.ChainBuilder = &FilterManager{}

// New creates the filter chain manager of one stream. The filter
// chains themselves are created when the request headers arrive.
func New(cfg Config, d dispatch.Dispatcher, sink StreamSink, factory FilterChainFactory) *FilterManager {
	cfg = cfg.withDefaults()
	m := &FilterManager{
		cfg:         cfg,
		dispatcher:  d,
		sink:        sink,
		factory:     factory,
		metrics:     cfg.Metrics,
		bufferLimit: cfg.BufferLimit,
		streamInfo: filters.StreamInfo{
			StreamId:    uuid.New().String(),
			StartTime:   time.Now(),
			RouteConfig: cfg.RouteConfig,
		},
	}

	m.log = cfg.Logger.WithFields(map[string]interface{}{
		"streamId": m.streamInfo.StreamId,
	})

	m.state.decodingHeadersOnly = cfg.DecodingHeadersOnly
	m.state.encodingHeadersOnly = cfg.EncodingHeadersOnly
	return m
}

// StreamInfo returns the stream's info record.
func (m *FilterManager) StreamInfo() *filters.StreamInfo { return &m.streamInfo }

// filters.ChainBuilder

// AddDecoderFilter appends a filter to the decoder chain.
func (m *FilterManager) AddDecoderFilter(filter filters.DecoderFilter) {
	w := &decoderFilter{
		filterBase: filterBase{m: m, index: len(m.decoders)},
		handle:     filter,
	}

	m.decoders = append(m.decoders, w)
	filter.SetDecoderFilterCallbacks(w)
}

// AddEncoderFilter appends a filter to the encoder chain.
func (m *FilterManager) AddEncoderFilter(filter filters.EncoderFilter) {
	w := &encoderFilter{
		filterBase: filterBase{m: m, index: len(m.encoders)},
		handle:     filter,
	}

	m.encoders = append(m.encoders, w)
	filter.SetEncoderFilterCallbacks(w)
}

// AddStreamFilter appends a filter to both chains.
func (m *FilterManager) AddStreamFilter(filter filters.StreamFilter) {
	m.AddDecoderFilter(filter)
	m.AddEncoderFilter(filter)
}

// CreateFilterChain creates the stream's filter chains, consulting the
// route's upgrade map when the request is an upgrade. It returns false
// when the upgrade was rejected, in which case the default chain is
// created instead so a local reply can still be delivered.
func (m *FilterManager) CreateFilterChain() bool {
	if m.state.createdFilterChain {
		return false
	}

	m.state.createdFilterChain = true

	var upgrade string
	if m.requestHeaders != nil {
		upgrade = m.requestHeaders.Upgrade()
	}

	if upgrade != "" {
		var upgradeMap map[string]bool
		if r := m.route(); r != nil {
			upgradeMap = r.UpgradeMap
		}

		if m.factory.CreateUpgradeFilterChain(upgrade, upgradeMap, m) {
			m.state.successfulUpgrade = true
			m.sink.OnUpgrade()
			return true
		}

		m.log.Debugf("upgrade rejected: %s", upgrade)
		m.factory.CreateFilterChain(m)
		return false
	}

	m.factory.CreateFilterChain(m)
	return true
}

// codec facing request entry points

// DecodeHeaders starts the stream with the request head. endStream is
// true when the request has neither body nor trailers.
func (m *FilterManager) DecodeHeaders(headers *filters.RequestHeader, endStream bool) {
	m.requestHeaders = headers
	m.setupTimers()
	m.maybeEndDecode(endStream)

	if !m.CreateFilterChain() {
		m.SendLocalReply(http.StatusForbidden, "upgrade failed", nil, nil, "upgrade_failed")
		return
	}

	m.decodeHeaders(nil, headers, endStream)
}

// DecodeData passes a request body frame into the decoder chain.
func (m *FilterManager) DecodeData(data *buffer.Buffer, endStream bool) {
	m.streamInfo.BytesReceived += int64(data.Len())
	m.maybeEndDecode(endStream)
	m.decodeData(nil, data, endStream, startFromNext)
}

// DecodeTrailers passes the request trailers into the decoder chain.
func (m *FilterManager) DecodeTrailers(trailers http.Header) {
	m.resetIdleTimer()
	m.maybeEndDecode(true)
	m.requestTrailers = trailers
	m.decodeTrailers(nil, trailers)
}

// DecodeMetadata passes a request metadata map into the decoder chain.
func (m *FilterManager) DecodeMetadata(metadata filters.Metadata) {
	m.resetIdleTimer()
	m.decodeMetadata(nil, metadata)
}

func (m *FilterManager) maybeEndDecode(endStream bool) {
	if !endStream {
		return
	}

	m.state.remoteComplete = true
	m.disarmRequestTimeout()
}

// decoder chain iteration

func (m *FilterManager) decodeIndex(from *decoderFilter, startState iterationStart) int {
	if from == nil {
		return 0
	}

	if startState == startFromCurrent && from.iterateFromCurrent {
		return from.index
	}

	return from.index + 1
}

func (m *FilterManager) decodeHeaders(from *decoderFilter, headers *filters.RequestHeader, endStream bool) {
	continueData := -1
	for i := m.decodeIndex(from, startFromNext); i < len(m.decoders); i++ {
		f := m.decoders[i]

		m.callState |= callDecodeHeaders
		f.endStream = m.state.decodingHeadersOnly || endStream && continueData < 0
		begin := time.Now()
		status := f.handle.DecodeHeaders(headers, f.endStream)
		m.metrics.MeasureFilterDecode(f.name(), begin)
		if f.endStream {
			f.handle.DecodeComplete()
		}

		m.callState &^= callDecodeHeaders
		m.log.Debugf("decode headers: filter=%s status=%v", f.name(), status)

		newMetadata := m.processNewlyAddedMetadata()
		if f.endStream && newMetadata && m.bufferedRequest == nil {
			// The end-of-stream was already delivered in the head,
			// an empty frame carries it past the new metadata.
			m.addDecodedData(f, buffer.New(), true)
		}

		f.headersCalled = true

		// Stop only when this is not the last filter: the terminal
		// filter continues so that body added by a previous filter
		// still flushes through.
		if !afterHeaders(f, status, &m.state.decodingHeadersOnly) && i+1 < len(m.decoders) {
			return
		}

		if endStream && m.bufferedRequest != nil && continueData < 0 {
			continueData = i
		}
	}

	if continueData >= 0 {
		// A filter added body to a bodyless request. Resume from it
		// so the buffered body runs through the remaining filters.
		f := m.decoders[continueData]
		f.state = stopSingleIteration
		m.commonContinue(f)
	}

	if endStream {
		m.disarmRequestTimeout()
	}

	m.resetIdleTimer()
}

func (m *FilterManager) decodeData(from *decoderFilter, data *buffer.Buffer, endStream bool, startState iterationStart) {
	m.resetIdleTimer()

	if m.state.decodingHeadersOnly || m.state.localComplete {
		return
	}

	trailersAtStart := m.requestTrailers != nil
	trailersAdded := -1

	for i := m.decodeIndex(from, startState); i < len(m.decoders); i++ {
		f := m.decoders[i]

		if handleDataIfStopAll(f, data, &m.state.decoderFiltersStreaming) {
			return
		}

		if f.endStream {
			return
		}

		if endStream {
			m.callState |= callLastDataFrame
		}

		m.recordLatestDecoder(f)

		m.callState |= callDecodeData
		f.endStream = endStream && m.requestTrailers == nil
		begin := time.Now()
		status := f.handle.DecodeData(data, f.endStream)
		m.metrics.MeasureFilterDecode(f.name(), begin)
		if f.endStream {
			f.handle.DecodeComplete()
		}

		m.callState &^= callDecodeData
		if endStream {
			m.callState &^= callLastDataFrame
		}

		m.log.Debugf("decode data: filter=%s status=%v", f.name(), status)
		m.processNewlyAddedMetadata()

		if !trailersAtStart && m.requestTrailers != nil && trailersAdded < 0 {
			trailersAdded = i
		}

		if !afterData(f, status, data, &m.state.decoderFiltersStreaming) && i+1 < len(m.decoders) {
			return
		}
	}

	if trailersAdded >= 0 {
		// A filter synthesized trailers during the last data frame,
		// run them through the filters after it.
		m.decodeTrailers(m.decoders[trailersAdded], m.requestTrailers)
	}

	if endStream {
		m.disarmRequestTimeout()
	}
}

func (m *FilterManager) decodeTrailers(from *decoderFilter, trailers http.Header) {
	if m.state.decodingHeadersOnly || m.state.localComplete {
		return
	}

	for i := m.decodeIndex(from, startFromCurrent); i < len(m.decoders); i++ {
		f := m.decoders[i]
		if f.stoppedAll() {
			return
		}

		m.callState |= callDecodeTrailers
		begin := time.Now()
		status := f.handle.DecodeTrailers(trailers)
		m.metrics.MeasureFilterDecode(f.name(), begin)
		f.endStream = true
		f.handle.DecodeComplete()
		m.callState &^= callDecodeTrailers

		m.log.Debugf("decode trailers: filter=%s status=%v", f.name(), status)
		m.processNewlyAddedMetadata()

		if !afterTrailers(f, status) {
			return
		}
	}

	m.disarmRequestTimeout()
}

func (m *FilterManager) decodeMetadata(from *decoderFilter, metadata filters.Metadata) {
	for i := m.decodeIndex(from, startFromCurrent); i < len(m.decoders); i++ {
		f := m.decoders[i]

		// Save the metadata on filters that have not returned from
		// their headers callback or stopped all iteration, it is
		// replayed when they resume.
		if !f.headersCalled || f.stoppedAll() {
			f.metadata = append(f.metadata, metadata)
			return
		}

		begin := time.Now()
		f.handle.DecodeMetadata(metadata)
		m.metrics.MeasureFilterDecode(f.name(), begin)
	}
}

// processNewlyAddedMetadata dispatches metadata staged by the decode
// callbacks and reports whether there was any.
func (m *FilterManager) processNewlyAddedMetadata() bool {
	if len(m.requestMetadata) == 0 {
		return false
	}

	staged := m.requestMetadata
	m.requestMetadata = nil
	for _, md := range staged {
		m.decodeMetadata(nil, md)
	}

	return true
}

// handleDataIfStopAll buffers the frame on a filter that stopped all
// iteration and reports whether it did so.
func handleDataIfStopAll(f chainFilter, data *buffer.Buffer, streaming *bool) bool {
	b := f.base()
	if !b.stoppedAll() {
		return false
	}

	*streaming = b.state == stopAllWatermark
	bufferData(f, data)
	return true
}

// recordLatestDecoder advances the latest data pointer only during a
// fresh forward sweep: comparing against the previous filter keeps a
// repeated iteration from resetting it, so a filter cannot reclaim
// modify rights on a buffer a later filter filled.
func (m *FilterManager) recordLatestDecoder(f *decoderFilter) {
	if m.latestDataDecoder == nil {
		m.latestDataDecoder = f
	}

	if f.index > 0 && m.latestDataDecoder == m.decoders[f.index-1] {
		m.latestDataDecoder = f
	}
}

func (m *FilterManager) recordLatestEncoder(f *encoderFilter) {
	if m.latestDataEncoder == nil {
		m.latestDataEncoder = f
	}

	if f.index > 0 && m.latestDataEncoder == m.encoders[f.index-1] {
		m.latestDataEncoder = f
	}
}

// commonContinue resumes a stopped iteration on f: it replays a
// pending informational head, delivers the headers if they have not
// continued yet, drains saved metadata, flushes the direction buffer
// and finally the trailers.
func (m *FilterManager) commonContinue(f chainFilter) {
	b := f.base()
	if !f.canContinue() {
		m.log.Debugf("skipping continue: stream already ended locally: filter=%s", f.name())
		return
	}

	if b.canIterate() {
		m.log.Debugf("ignoring continue on a filter that did not stop: filter=%s", f.name())
		return
	}

	if b.stoppedAll() {
		b.iterateFromCurrent = true
	}

	b.allowIteration()

	if !f.resume100() {
		return
	}

	if !b.headersContinued {
		b.headersContinued = true
		f.doHeaders(f.complete() && f.buffered() == nil && !f.hasTrailers())
	}

	f.doMetadata()

	if f.buffered() != nil {
		f.doData(f.complete() && !f.hasTrailers())
	}

	if f.hasTrailers() {
		f.doTrailers()
	}

	b.iterateFromCurrent = false
}

// filter initiated request mutations

func (m *FilterManager) addDecodedData(f *decoderFilter, data *buffer.Buffer, streaming bool) {
	switch {
	case m.callState == 0 ||
		m.callState&callDecodeHeaders != 0 ||
		m.callState&callDecodeData != 0 ||
		m.callState&callDecodeTrailers != 0 && !f.canIterate():

		m.state.decoderFiltersStreaming = streaming
		bufferData(f, data)
	case m.callState&callDecodeTrailers != 0:
		// During a trailers callback the data is dispatched inline to
		// the filters after this one.
		m.decodeData(f, data, false, startFromNext)
	default:
		m.log.Errorf("cannot add decoded data outside a decode callback: %v", filters.ErrFilterProtocol)
	}
}

func (m *FilterManager) addDecodedTrailers() http.Header {
	if m.callState&callLastDataFrame == 0 || m.requestTrailers != nil {
		m.log.Errorf("cannot add decoded trailers: %v", filters.ErrFilterProtocol)
		return nil
	}

	m.requestTrailers = http.Header{}
	return m.requestTrailers
}

// response entry points, called by decoder filters

// Encode100ContinueHeaders starts proxying an informational head
// through the encoder chain. Swallowed unless enabled in the config.
func (m *FilterManager) Encode100ContinueHeaders(headers *filters.ResponseHeader) {
	if !m.cfg.Proxy100Continue {
		m.log.Debugf("swallowing informational response head")
		return
	}

	m.resetIdleTimer()
	m.state.hasContinueHeaders = true
	m.continueHeaders = headers
	m.encode100ContinueHeaders(nil, headers)
}

// EncodeHeaders starts the response through the encoder chain.
func (m *FilterManager) EncodeHeaders(headers *filters.ResponseHeader, endStream bool) {
	m.responseHeaders = headers
	m.encodeHeaders(nil, headers, endStream)
}

// EncodeData passes a response body frame into the encoder chain.
func (m *FilterManager) EncodeData(data *buffer.Buffer, endStream bool) {
	m.encodeData(nil, data, endStream, startFromNext)
}

// EncodeTrailers passes the response trailers into the encoder chain.
func (m *FilterManager) EncodeTrailers(trailers http.Header) {
	m.responseTrailers = trailers
	m.encodeTrailers(nil, trailers)
}

// EncodeMetadata passes a response metadata map into the encoder
// chain.
func (m *FilterManager) EncodeMetadata(metadata filters.Metadata) {
	m.encodeMetadata(nil, metadata)
}

// encoder chain iteration

func (m *FilterManager) encodeIndex(from *encoderFilter, endStream bool, startState iterationStart) int {
	if from == nil {
		if endStream {
			m.state.localComplete = true
		}

		return 0
	}

	if startState == startFromCurrent && from.iterateFromCurrent {
		return from.index
	}

	return from.index + 1
}

func (m *FilterManager) encode100ContinueHeaders(from *encoderFilter, headers *filters.ResponseHeader) {
	m.resetIdleTimer()

	for i := m.encodeIndex(from, false, startFromNext); i < len(m.encoders); i++ {
		f := m.encoders[i]

		m.callState |= callEncode100ContinueHeaders
		begin := time.Now()
		status := f.handle.Encode100ContinueHeaders(headers)
		m.metrics.MeasureFilterEncode(f.name(), begin)
		m.callState &^= callEncode100ContinueHeaders

		m.log.Debugf("encode informational headers: filter=%s status=%v", f.name(), status)

		if !f.after100Continue(status) {
			return
		}
	}

	m.sink.EncodeFiltered100ContinueHeaders(m.requestHeaders, headers)
}

func (m *FilterManager) encodeHeaders(from *encoderFilter, headers *filters.ResponseHeader, endStream bool) {
	m.resetIdleTimer()
	m.disarmRequestTimeout()

	continueData := -1
	for i := m.encodeIndex(from, endStream, startFromNext); i < len(m.encoders); i++ {
		f := m.encoders[i]

		m.callState |= callEncodeHeaders
		f.endStream = m.state.encodingHeadersOnly || endStream && continueData < 0
		begin := time.Now()
		status := f.handle.EncodeHeaders(headers, f.endStream)
		m.metrics.MeasureFilterEncode(f.name(), begin)
		if f.endStream {
			f.handle.EncodeComplete()
		}

		m.callState &^= callEncodeHeaders
		f.headersCalled = true
		m.log.Debugf("encode headers: filter=%s status=%v", f.name(), status)

		continueIteration := afterHeaders(f, status, &m.state.encodingHeadersOnly)

		// A headers-only response ends the stream locally even when
		// it has not fully passed the chain yet.
		if m.state.encodingHeadersOnly {
			m.state.localComplete = true
		}

		if !continueIteration {
			return
		}

		if endStream && m.bufferedResponse != nil && continueData < 0 {
			continueData = i
		}
	}

	modifiedEndStream := m.state.encodingHeadersOnly || endStream && continueData < 0
	m.streamInfo.ResponseCode = headers.Status
	m.sink.EncodeFilteredHeaders(headers, modifiedEndStream)
	m.maybeEndEncode(modifiedEndStream)

	if continueData >= 0 && !modifiedEndStream {
		// A filter added body to a bodyless response, flush it after
		// the head went out.
		f := m.encoders[continueData]
		f.state = stopSingleIteration
		m.commonContinue(f)
	}
}

func (m *FilterManager) encodeData(from *encoderFilter, data *buffer.Buffer, endStream bool, startState iterationStart) {
	m.resetIdleTimer()

	if m.state.encodingHeadersOnly {
		return
	}

	trailersAtStart := m.responseTrailers != nil
	trailersAdded := -1

	for i := m.encodeIndex(from, endStream, startState); i < len(m.encoders); i++ {
		f := m.encoders[i]

		if handleDataIfStopAll(f, data, &m.state.encoderFiltersStreaming) {
			return
		}

		if f.endStream {
			return
		}

		if endStream {
			m.callState |= callLastDataFrame
		}

		m.recordLatestEncoder(f)

		m.callState |= callEncodeData
		f.endStream = endStream && m.responseTrailers == nil
		begin := time.Now()
		status := f.handle.EncodeData(data, f.endStream)
		m.metrics.MeasureFilterEncode(f.name(), begin)
		if f.endStream {
			f.handle.EncodeComplete()
		}

		m.callState &^= callEncodeData
		if endStream {
			m.callState &^= callLastDataFrame
		}

		m.log.Debugf("encode data: filter=%s status=%v", f.name(), status)

		if !trailersAtStart && m.responseTrailers != nil && trailersAdded < 0 {
			trailersAdded = i
		}

		if !afterData(f, status, data, &m.state.encoderFiltersStreaming) {
			return
		}
	}

	modifiedEndStream := endStream && trailersAdded < 0
	m.streamInfo.BytesSent += int64(data.Len())
	m.sink.EncodeFilteredData(data, modifiedEndStream)
	m.maybeEndEncode(modifiedEndStream)

	if trailersAdded >= 0 {
		m.encodeTrailers(m.encoders[trailersAdded], m.responseTrailers)
	}
}

func (m *FilterManager) encodeTrailers(from *encoderFilter, trailers http.Header) {
	m.resetIdleTimer()

	if m.state.encodingHeadersOnly {
		return
	}

	for i := m.encodeIndex(from, true, startFromCurrent); i < len(m.encoders); i++ {
		f := m.encoders[i]
		if f.stoppedAll() {
			return
		}

		m.callState |= callEncodeTrailers
		begin := time.Now()
		status := f.handle.EncodeTrailers(trailers)
		m.metrics.MeasureFilterEncode(f.name(), begin)
		f.endStream = true
		f.handle.EncodeComplete()
		m.callState &^= callEncodeTrailers

		m.log.Debugf("encode trailers: filter=%s status=%v", f.name(), status)

		if !afterTrailers(f, status) {
			return
		}
	}

	m.sink.EncodeFilteredTrailers(trailers)
	m.maybeEndEncode(true)
}

func (m *FilterManager) encodeMetadata(from *encoderFilter, metadata filters.Metadata) {
	m.resetIdleTimer()

	for i := m.encodeIndex(from, false, startFromCurrent); i < len(m.encoders); i++ {
		f := m.encoders[i]

		if !f.headersCalled || f.stoppedAll() {
			f.metadata = append(f.metadata, metadata)
			return
		}

		begin := time.Now()
		f.handle.EncodeMetadata(metadata)
		m.metrics.MeasureFilterEncode(f.name(), begin)
	}

	if len(metadata) > 0 {
		m.sink.EncodeFilteredMetadata([]filters.Metadata{metadata})
	}
}

// filter initiated response mutations

func (m *FilterManager) addEncodedData(f *encoderFilter, data *buffer.Buffer, streaming bool) {
	switch {
	case m.callState == 0 ||
		m.callState&callEncodeHeaders != 0 ||
		m.callState&callEncodeData != 0 ||
		m.callState&callEncodeTrailers != 0 && !f.canIterate():

		m.state.encoderFiltersStreaming = streaming
		bufferData(f, data)
	case m.callState&callEncodeTrailers != 0:
		m.encodeData(f, data, false, startFromNext)
	default:
		m.log.Errorf("cannot add encoded data outside an encode callback: %v", filters.ErrFilterProtocol)
	}
}

func (m *FilterManager) addEncodedTrailers() http.Header {
	if m.callState&callLastDataFrame == 0 || m.responseTrailers != nil {
		m.log.Errorf("cannot add encoded trailers: %v", filters.ErrFilterProtocol)
		return nil
	}

	m.responseTrailers = http.Header{}
	return m.responseTrailers
}

func (m *FilterManager) maybeEndEncode(endStream bool) {
	if !endStream || m.state.encodedEndStream {
		return
	}

	m.state.encodedEndStream = true
	m.state.localComplete = true
	m.disableTimers()
}

// local replies

// SendLocalReply short-circuits the exchange with a locally generated
// response. When response headers were already passed to the encoder
// chain the stream is reset instead. Called during an encode callback,
// the reply is queued on the dispatcher so the running iteration
// unwinds first.
func (m *FilterManager) SendLocalReply(code int, body string, modifyHeaders func(*filters.ResponseHeader), grpcStatus *int, details string) {
	if m.state.destroyed {
		return
	}

	m.streamInfo.SetResponseCodeDetails(code, details)
	m.log.Debugf("sending local reply: code=%d details=%s", code, details)

	const encoding = callEncodeHeaders | callEncodeData | callEncodeTrailers | callEncode100ContinueHeaders
	if m.callState&encoding != 0 {
		m.dispatcher.Post(func() {
			m.sendLocalReplyNow(code, body, modifyHeaders, grpcStatus)
		})

		return
	}

	m.sendLocalReplyNow(code, body, modifyHeaders, grpcStatus)
}

func (m *FilterManager) sendLocalReplyNow(code int, body string, modifyHeaders func(*filters.ResponseHeader), grpcStatus *int) {
	if m.state.destroyed {
		return
	}

	m.metrics.IncCounter(metrics.KeyLocalReply)

	if m.responseHeaders != nil {
		// A response head is already in the encoder chain, the reply
		// cannot be delivered anymore.
		m.ResetStream()
		return
	}

	if !m.state.createdFilterChain {
		m.CreateFilterChain()
	}

	headers, replyBody := m.cfg.LocalReplyFormatter.Format(m.requestHeaders, code, body, grpcStatus, m.cfg.IsHeadRequest)
	if modifyHeaders != nil {
		modifyHeaders(headers)
	}

	m.EncodeHeaders(headers, replyBody == "")
	if replyBody != "" {
		m.EncodeData(buffer.NewString(replyBody), true)
	}
}

// sendDirectLocalReply emits a reply straight to the sink, bypassing
// the encoder chain. Used when the chain itself overflowed and running
// a second head through it would recurse.
func (m *FilterManager) sendDirectLocalReply(code int, body string) {
	m.metrics.IncCounter(metrics.KeyLocalReply)

	headers, replyBody := m.cfg.LocalReplyFormatter.Format(m.requestHeaders, code, body, nil, m.cfg.IsHeadRequest)
	m.responseHeaders = headers
	m.streamInfo.ResponseCode = headers.Status
	m.sink.EncodeFilteredHeaders(headers, replyBody == "")
	if replyBody != "" {
		b := buffer.NewString(replyBody)
		m.streamInfo.BytesSent += int64(b.Len())
		m.sink.EncodeFilteredData(b, true)
	}

	m.maybeEndEncode(true)
}

// ResetStream resets the stream toward the downstream peer and stops
// all stream activity.
func (m *FilterManager) ResetStream() {
	if m.state.destroyed {
		return
	}

	m.state.destroyed = true
	m.metrics.IncCounter(metrics.KeyStreamReset)
	m.disableTimers()
	m.sink.OnLocalResetStream()
}

// SetBufferLimit adjusts the buffered body limit of both directions,
// including the watermarks of already created buffers.
func (m *FilterManager) SetBufferLimit(limit int) {
	m.log.Debugf("setting buffer limit: %d", limit)
	m.bufferLimit = limit
	if m.bufferedRequest != nil {
		m.bufferedRequest.SetWatermarks(limit)
	}

	if m.bufferedResponse != nil {
		m.bufferedResponse.SetWatermarks(limit)
	}
}

// timers

func (m *FilterManager) setupTimers() {
	if m.cfg.IdleTimeout > 0 {
		m.idleTimer = m.dispatcher.CreateTimer(m.OnIdleTimeout)
		m.idleTimer.Enable(m.cfg.IdleTimeout)
	}

	if m.cfg.RequestTimeout > 0 {
		m.requestTimer = m.dispatcher.CreateTimer(m.OnRequestTimeout)
		m.requestTimer.Enable(m.cfg.RequestTimeout)
	}

	if m.cfg.MaxStreamDuration > 0 {
		m.maxDurationTimer = m.dispatcher.CreateTimer(m.OnStreamMaxDurationReached)
		m.maxDurationTimer.Enable(m.cfg.MaxStreamDuration)
	}
}

func (m *FilterManager) resetIdleTimer() {
	if m.idleTimer != nil {
		m.idleTimer.Enable(m.cfg.IdleTimeout)
	}
}

func (m *FilterManager) disarmRequestTimeout() {
	if m.requestTimer != nil {
		m.requestTimer.Disable()
		m.requestTimer = nil
	}
}

func (m *FilterManager) disableTimers() {
	for _, t := range []dispatch.Timer{m.idleTimer, m.requestTimer, m.maxDurationTimer} {
		if t != nil {
			t.Disable()
		}
	}

	m.idleTimer, m.requestTimer, m.maxDurationTimer = nil, nil, nil
}

// OnIdleTimeout handles the stream idle timer firing. With the
// response underway the stream is ended, otherwise a 408 goes out.
func (m *FilterManager) OnIdleTimeout() {
	if m.state.destroyed {
		return
	}

	m.log.Debugf("stream idle timeout")
	m.metrics.IncCounter(metrics.KeyIdleTimeout)
	m.sink.OnIdleTimeout()

	if m.responseHeaders != nil {
		m.sink.EndStream()
		return
	}

	m.SendLocalReply(http.StatusRequestTimeout, "stream timeout", nil, nil, "stream_idle_timeout")
}

// OnRequestTimeout handles the overall request timer firing.
func (m *FilterManager) OnRequestTimeout() {
	if m.state.destroyed {
		return
	}

	m.log.Debugf("request timeout")
	m.metrics.IncCounter(metrics.KeyRequestTimeout)
	m.sink.OnRequestTimeout()
	m.SendLocalReply(http.StatusRequestTimeout, "request timeout", nil, nil, "request_overall_timeout")
}

// OnStreamMaxDurationReached handles the maximum stream duration timer
// firing.
func (m *FilterManager) OnStreamMaxDurationReached() {
	if m.state.destroyed {
		return
	}

	m.log.Debugf("max stream duration reached")
	m.metrics.IncCounter(metrics.KeyMaxDuration)
	m.sink.OnStreamMaxDurationReached()
	m.sink.EndStream()
}

// route cache

func (m *FilterManager) route() *routing.Route {
	if m.routeCached {
		return m.cachedRoute
	}

	m.refreshCachedRoute()
	return m.cachedRoute
}

func (m *FilterManager) refreshCachedRoute() {
	var r *routing.Route
	if m.requestHeaders != nil {
		r = m.sink.EvaluateRoute(m.requestHeaders, &m.streamInfo)
	}

	m.routeCached = true
	m.cachedRoute = r
	m.streamInfo.Route = r
	m.refreshCachedTracingCustomTags()
}

func (m *FilterManager) refreshCachedTracingCustomTags() {
	if m.cfg.Span == nil {
		return
	}

	if m.customTags == nil {
		m.customTags = tracing.CustomTagMap{}
	}

	m.sink.EvaluateCustomTags(m.customTags)
	tracing.ApplyTags(m.cfg.Span, m.customTags)
}

func (m *FilterManager) clusterInfo() *routing.ClusterInfo {
	r := m.route()
	if r == nil {
		return nil
	}

	return r.Cluster
}

func (m *FilterManager) clearRouteCache() {
	m.routeCached = false
	m.cachedRoute = nil
	m.streamInfo.Route = nil
	for k := range m.customTags {
		delete(m.customTags, k)
	}
}

func (m *FilterManager) activeSpan() ot.Span {
	if m.cfg.Span != nil {
		return m.cfg.Span
	}

	return tracing.NullSpan()
}

// downstream watermarks

func (m *FilterManager) addDownstreamWatermarkCallbacks(callbacks filters.DownstreamWatermarkCallbacks) {
	m.watermarkCallbacks = append(m.watermarkCallbacks, callbacks)

	// Late subscribers catch up with the pending high watermarks.
	for i := 0; i < m.highWatermarkCount; i++ {
		callbacks.OnAboveWriteBufferHighWatermark()
	}
}

func (m *FilterManager) removeDownstreamWatermarkCallbacks(callbacks filters.DownstreamWatermarkCallbacks) {
	for i, c := range m.watermarkCallbacks {
		if c == callbacks {
			m.watermarkCallbacks = append(m.watermarkCallbacks[:i], m.watermarkCallbacks[i+1:]...)
			return
		}
	}
}

func (m *FilterManager) callHighWatermarkCallbacks() {
	m.highWatermarkCount++
	m.metrics.IncCounter(metrics.KeyWatermarkHigh)
	for _, c := range m.watermarkCallbacks {
		c.OnAboveWriteBufferHighWatermark()
	}
}

func (m *FilterManager) callLowWatermarkCallbacks() {
	if m.highWatermarkCount > 0 {
		m.highWatermarkCount--
	}

	m.metrics.IncCounter(metrics.KeyWatermarkLow)
	for _, c := range m.watermarkCallbacks {
		c.OnBelowWriteBufferLowWatermark()
	}
}
