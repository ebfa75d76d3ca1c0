package proxy

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirproxy/weir/buffer"
	"github.com/weirproxy/weir/dispatch/dispatchtest"
	"github.com/weirproxy/weir/filters"
	"github.com/weirproxy/weir/filters/filtertest"
	"github.com/weirproxy/weir/metrics"
	"github.com/weirproxy/weir/routing"
	"github.com/weirproxy/weir/tracing"
)

type sinkEvent struct {
	name      string
	status    int
	endStream bool
	data      string
}

// recordingSink records every codec facing event of the manager.
type recordingSink struct {
	events       []sinkEvent
	headers      *filters.ResponseHeader
	trailers     http.Header
	metadata     []filters.Metadata
	route        *routing.Route
	routeEvals   int
	refuseStream bool
}

func (s *recordingSink) record(e sinkEvent) { s.events = append(s.events, e) }

func (s *recordingSink) names() []string {
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.name
	}

	return names
}

func (s *recordingSink) EncodeFiltered100ContinueHeaders(_ *filters.RequestHeader, h *filters.ResponseHeader) {
	s.record(sinkEvent{name: "100continue", status: h.Status})
}

func (s *recordingSink) EncodeFilteredHeaders(h *filters.ResponseHeader, endStream bool) {
	s.headers = h
	s.record(sinkEvent{name: "headers", status: h.Status, endStream: endStream})
}

func (s *recordingSink) EncodeFilteredData(data *buffer.Buffer, endStream bool) {
	s.record(sinkEvent{name: "data", data: data.String(), endStream: endStream})
}

func (s *recordingSink) EncodeFilteredTrailers(trailers http.Header) {
	s.trailers = trailers
	s.record(sinkEvent{name: "trailers"})
}

func (s *recordingSink) EncodeFilteredMetadata(metadata []filters.Metadata) {
	s.metadata = append(s.metadata, metadata...)
	s.record(sinkEvent{name: "metadata"})
}

func (s *recordingSink) EndStream() { s.record(sinkEvent{name: "endStream"}) }

func (s *recordingSink) OnLocalResetStream() { s.record(sinkEvent{name: "reset"}) }

func (s *recordingSink) DecoderAboveWriteBufferHighWatermark() {
	s.record(sinkEvent{name: "readDisable"})
}

func (s *recordingSink) DecoderBelowWriteBufferLowWatermark() {
	s.record(sinkEvent{name: "readEnable"})
}

func (s *recordingSink) RequestTooLarge()           { s.record(sinkEvent{name: "requestTooLarge"}) }
func (s *recordingSink) ResponseDataTooLarge()      { s.record(sinkEvent{name: "responseTooLarge"}) }
func (s *recordingSink) OnUpgrade()                 { s.record(sinkEvent{name: "upgrade"}) }
func (s *recordingSink) OnIdleTimeout()             { s.record(sinkEvent{name: "idleTimeout"}) }
func (s *recordingSink) OnRequestTimeout()          { s.record(sinkEvent{name: "requestTimeout"}) }
func (s *recordingSink) OnStreamMaxDurationReached() { s.record(sinkEvent{name: "maxDuration"}) }

func (s *recordingSink) NewStream(headers *filters.RequestHeader) *filters.RequestHeader {
	s.record(sinkEvent{name: "newStream"})
	if s.refuseStream {
		return headers
	}

	return nil
}

func (s *recordingSink) EvaluateRoute(*filters.RequestHeader, *filters.StreamInfo) *routing.Route {
	s.routeEvals++
	return s.route
}

func (s *recordingSink) EvaluateCustomTags(tracing.CustomTagMap) {}

// testFactory builds the chains from the configured hooks.
type testFactory struct {
	create  func(filters.ChainBuilder)
	upgrade func(upgrade string, upgradeMap map[string]bool, b filters.ChainBuilder) bool
}

func (f *testFactory) CreateFilterChain(b filters.ChainBuilder) {
	if f.create != nil {
		f.create(b)
	}
}

func (f *testFactory) CreateUpgradeFilterChain(upgrade string, upgradeMap map[string]bool, b filters.ChainBuilder) bool {
	if f.upgrade == nil {
		return false
	}

	return f.upgrade(upgrade, upgradeMap, b)
}

// counterMetrics records counter increments, delegating the rest to
// the no-op implementation.
type counterMetrics struct {
	metrics.Metrics
	counters map[string]int64
}

func newCounterMetrics() *counterMetrics {
	return &counterMetrics{Metrics: metrics.Void, counters: map[string]int64{}}
}

func (c *counterMetrics) IncCounter(key string)                { c.counters[key]++ }
func (c *counterMetrics) IncCounterBy(key string, value int64) { c.counters[key] += value }

func streamChain(ff ...*filtertest.Filter) func(filters.ChainBuilder) {
	return func(b filters.ChainBuilder) {
		for _, f := range ff {
			b.AddStreamFilter(f)
		}
	}
}

func newTestManager(cfg Config, sink *recordingSink, create func(filters.ChainBuilder)) (*FilterManager, *dispatchtest.Manual) {
	d := dispatchtest.New()
	return New(cfg, d, sink, &testFactory{create: create}), d
}

func requestHead() *filters.RequestHeader {
	return &filters.RequestHeader{
		Method:    "GET",
		Scheme:    "http",
		Authority: "www.example.org",
		Path:      "/",
		Header:    http.Header{},
	}
}

func responseHead(status int) *filters.ResponseHeader {
	return &filters.ResponseHeader{Status: status, Header: http.Header{}}
}

func TestPassThrough(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fb := &filtertest.Filter{FilterName: "b"}
	sink := &recordingSink{}
	m, _ := newTestManager(Config{}, sink, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), false)
	m.DecodeData(buffer.NewString("ping"), true)

	want := []string{"DecodeHeaders", "DecodeData", "DecodeComplete"}
	if d := cmp.Diff(want, fa.CallNames()); d != "" {
		t.Errorf("filter a calls mismatch:\n%s", d)
	}

	if d := cmp.Diff(want, fb.CallNames()); d != "" {
		t.Errorf("filter b calls mismatch:\n%s", d)
	}

	assert.Empty(t, sink.events)

	m.EncodeHeaders(responseHead(200), false)
	m.EncodeData(buffer.NewString("pong"), true)

	require.Equal(t, []string{"headers", "data"}, sink.names())
	assert.Equal(t, 200, sink.events[0].status)
	assert.False(t, sink.events[0].endStream)
	assert.Equal(t, "pong", sink.events[1].data)
	assert.True(t, sink.events[1].endStream)
	assert.Equal(t, 200, m.StreamInfo().ResponseCode)
	assert.Equal(t, int64(4), m.StreamInfo().BytesReceived)
	assert.Equal(t, int64(4), m.StreamInfo().BytesSent)
}

func TestDecodeHeadersEndStream(t *testing.T) {
	f := &filtertest.Filter{FilterName: "a"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(f))

	m.DecodeHeaders(requestHead(), true)

	require.Equal(t, []string{"DecodeHeaders", "DecodeComplete"}, f.CallNames())
	assert.True(t, f.FCalls[0].EndStream)
}

func TestStopHeadersAndResume(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a", FHeadersStatus: filters.HeadersStopIteration}
	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), true)
	assert.Empty(t, fb.FCalls)

	fa.FDecoderCallbacks.ContinueDecoding()
	require.Equal(t, []string{"DecodeHeaders", "DecodeComplete"}, fb.CallNames())
	assert.True(t, fb.FCalls[0].EndStream)
}

func TestContinueWithoutStop(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), true)
	fa.FDecoderCallbacks.ContinueDecoding()

	// The continue on a filter that did not stop must not replay
	// frames.
	assert.Equal(t, []string{"DecodeHeaders", "DecodeComplete"}, fb.CallNames())
}

func TestBufferDataAndResume(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a", FDataStatus: filters.DataStopIterationAndBuffer}
	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), false)
	m.DecodeData(buffer.NewString("hello"), true)

	assert.Equal(t, []string{"DecodeHeaders"}, fb.CallNames())
	require.NotNil(t, m.bufferedRequest)
	assert.Equal(t, "hello", m.bufferedRequest.String())

	fa.FDecoderCallbacks.ContinueDecoding()
	require.Equal(t, []string{"DecodeHeaders", "DecodeData", "DecodeComplete"}, fb.CallNames())
	assert.Equal(t, "hello", fb.FCalls[1].Data)
	assert.True(t, fb.FCalls[1].EndStream)
}

func TestModifyDecodingBuffer(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fb := &filtertest.Filter{FilterName: "b", FDataStatus: filters.DataStopIterationAndBuffer}
	fc := &filtertest.Filter{FilterName: "c"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb, fc))

	m.DecodeHeaders(requestHead(), false)
	m.DecodeData(buffer.NewString("abc"), true)
	assert.Equal(t, []string{"DecodeHeaders"}, fc.CallNames())

	// An earlier filter cannot modify a buffer a later one filled.
	fa.FDecoderCallbacks.ModifyDecodingBuffer(func(d *buffer.Buffer) {
		d.AppendString("x")
	})
	require.NotNil(t, m.bufferedRequest)
	assert.Equal(t, "abc", m.bufferedRequest.String())

	require.NotNil(t, fb.FDecoderCallbacks.DecodingBuffer())
	assert.Equal(t, "abc", fb.FDecoderCallbacks.DecodingBuffer().String())

	fb.FDecoderCallbacks.ModifyDecodingBuffer(func(d *buffer.Buffer) {
		d.AppendString("!")
	})

	fb.FDecoderCallbacks.ContinueDecoding()
	require.Equal(t, []string{"DecodeHeaders", "DecodeData", "DecodeComplete"}, fc.CallNames())
	assert.Equal(t, "abc!", fc.FCalls[1].Data)
	assert.True(t, fc.FCalls[1].EndStream)
}

func TestStopAllBuffersEveryFrame(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a", FHeadersStatus: filters.HeadersStopAllIterationAndBuffer}
	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), false)
	m.DecodeData(buffer.NewString("hello"), false)
	m.DecodeTrailers(http.Header{"X-Check": []string{"1"}})

	// The stopped filter buffers the body without seeing it and the
	// trailers wait on the manager.
	assert.Equal(t, []string{"DecodeHeaders"}, fa.CallNames())
	assert.Empty(t, fb.FCalls)
	require.NotNil(t, m.bufferedRequest)
	assert.Equal(t, "hello", m.bufferedRequest.String())

	// On resume the stopped filter receives the frames it missed.
	fa.FDecoderCallbacks.ContinueDecoding()
	assert.Equal(t, []string{"DecodeHeaders", "DecodeData", "DecodeTrailers", "DecodeComplete"}, fa.CallNames())
	assert.Equal(t, []string{"DecodeHeaders", "DecodeData", "DecodeTrailers", "DecodeComplete"}, fb.CallNames())
	assert.Equal(t, "hello", fa.FCalls[1].Data)
	assert.False(t, fa.FCalls[1].EndStream)
}

func TestConvertToHeadersOnly(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a", FHeadersStatus: filters.HeadersContinueAndEndStream}
	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), false)

	// The filters after the converting one see end-of-stream in the
	// head already.
	require.Equal(t, []string{"DecodeHeaders", "DecodeComplete"}, fb.CallNames())
	assert.True(t, fb.FCalls[0].EndStream)

	// The body arriving later is dropped.
	m.DecodeData(buffer.NewString("dropped"), true)
	assert.Equal(t, []string{"DecodeHeaders", "DecodeComplete"}, fb.CallNames())
}

func TestAddDecodedTrailers(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fa.FOnData = func(*buffer.Buffer, bool) filters.DataStatus {
		trailers := fa.FDecoderCallbacks.AddDecodedTrailers()
		trailers.Set("X-Check", "1")
		return filters.DataContinue
	}

	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), false)
	m.DecodeData(buffer.NewString("hello"), true)

	// The filters after the synthesizing one see the data without
	// end-of-stream, followed by the trailers.
	require.Equal(t, []string{"DecodeHeaders", "DecodeData", "DecodeTrailers", "DecodeComplete"}, fb.CallNames())
	assert.False(t, fb.FCalls[1].EndStream)
	assert.Equal(t, "1", fb.FCalls[2].Trailers.Get("X-Check"))
}

func TestAddDecodedTrailersOutsideLastFrame(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fa.FOnHeaders = func(bool) filters.HeadersStatus {
		assert.Nil(t, fa.FDecoderCallbacks.AddDecodedTrailers())
		return filters.HeadersContinue
	}

	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa))
	m.DecodeHeaders(requestHead(), true)
	assert.Nil(t, m.requestTrailers)
}

func TestAddDecodedDataDuringHeaders(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fa.FOnHeaders = func(bool) filters.HeadersStatus {
		fa.FDecoderCallbacks.AddDecodedData(buffer.NewString("body"), false)
		return filters.HeadersContinue
	}

	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), true)

	// The next filter no longer sees end-of-stream in the head, the
	// added body carries it instead.
	require.Equal(t, []string{"DecodeHeaders", "DecodeData", "DecodeComplete"}, fb.CallNames())
	assert.False(t, fb.FCalls[0].EndStream)
	assert.Equal(t, "body", fb.FCalls[1].Data)
	assert.True(t, fb.FCalls[1].EndStream)
}

func TestLastFilterStopStillFlushesAddedBody(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fa.FOnHeaders = func(bool) filters.HeadersStatus {
		fa.FDecoderCallbacks.AddDecodedData(buffer.NewString("body"), false)
		return filters.HeadersContinue
	}

	fb := &filtertest.Filter{FilterName: "b", FHeadersStatus: filters.HeadersStopIteration}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), true)

	require.Equal(t, []string{"DecodeHeaders", "DecodeData", "DecodeComplete"}, fb.CallNames())
	assert.Equal(t, "body", fb.FCalls[1].Data)
}

func TestInjectDecodedData(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a", FHeadersStatus: filters.HeadersStopIteration}
	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), false)
	fa.FDecoderCallbacks.InjectDecodedDataToFilterChain(buffer.NewString("injected"), true)

	require.Equal(t, []string{"DecodeData", "DecodeComplete"}, fb.CallNames())
	assert.Equal(t, "injected", fb.FCalls[0].Data)
	assert.True(t, fb.FCalls[0].EndStream)
}

func TestMetadataSavedWhileStopped(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a", FHeadersStatus: filters.HeadersStopAllIterationAndBuffer}
	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), false)
	m.DecodeMetadata(filters.Metadata{"k": "v"})

	// Saved on the stopped filter, replayed on resume.
	assert.Equal(t, []string{"DecodeHeaders"}, fa.CallNames())

	fa.FDecoderCallbacks.ContinueDecoding()
	assert.Contains(t, fa.CallNames(), "DecodeMetadata")
	assert.Contains(t, fb.CallNames(), "DecodeMetadata")
}

func TestMetadataDeliveredAfterHeaders(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa))

	m.DecodeHeaders(requestHead(), false)
	m.DecodeMetadata(filters.Metadata{"k": "v"})

	require.Equal(t, []string{"DecodeHeaders", "DecodeMetadata"}, fa.CallNames())
	assert.Equal(t, "v", fa.FCalls[1].Metadata["k"])
}

func TestAddDecodedMetadataDuringHeaders(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fa.FOnHeaders = func(bool) filters.HeadersStatus {
		fa.FDecoderCallbacks.AddDecodedMetadata(filters.Metadata{"k": "v"})
		return filters.HeadersContinue
	}

	fb := &filtertest.Filter{FilterName: "b"}
	m, _ := newTestManager(Config{}, &recordingSink{}, streamChain(fa, fb))

	m.DecodeHeaders(requestHead(), true)

	// The metadata added during the headers callback reaches the
	// chain, and the end-of-stream still arrives on an empty frame
	// after it.
	assert.Contains(t, fb.CallNames(), "DecodeMetadata")
	last := fb.FCalls[len(fb.FCalls)-1]
	assert.Equal(t, "DecodeComplete", last.Name)
}

func TestEncodeStopAndResume(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a", FHeadersStatus: filters.HeadersStopIteration}
	sink := &recordingSink{}
	m, _ := newTestManager(Config{}, sink, func(b filters.ChainBuilder) {
		b.AddEncoderFilter(fa)
	})

	m.DecodeHeaders(requestHead(), true)
	m.EncodeHeaders(responseHead(200), true)
	assert.Empty(t, sink.events)

	fa.FEncoderCallbacks.ContinueEncoding()
	require.Equal(t, []string{"headers"}, sink.names())
	assert.True(t, sink.events[0].endStream)
}

func TestEncodeHeadersOnlyConversion(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a", FHeadersStatus: filters.HeadersContinueAndEndStream}
	sink := &recordingSink{}
	m, _ := newTestManager(Config{}, sink, func(b filters.ChainBuilder) {
		b.AddEncoderFilter(fa)
	})

	m.DecodeHeaders(requestHead(), true)
	m.EncodeHeaders(responseHead(204), false)

	require.Equal(t, []string{"headers"}, sink.names())
	assert.True(t, sink.events[0].endStream)

	// Later response body is dropped.
	m.EncodeData(buffer.NewString("dropped"), true)
	assert.Equal(t, []string{"headers"}, sink.names())
}

func TestEncodeTrailers(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	sink := &recordingSink{}
	m, _ := newTestManager(Config{}, sink, func(b filters.ChainBuilder) {
		b.AddEncoderFilter(fa)
	})

	m.DecodeHeaders(requestHead(), true)
	m.EncodeHeaders(responseHead(200), false)
	m.EncodeData(buffer.NewString("pong"), false)
	m.EncodeTrailers(http.Header{"X-Check": []string{"1"}})

	require.Equal(t, []string{"headers", "data", "trailers"}, sink.names())
	assert.False(t, sink.events[1].endStream)
	assert.Equal(t, "1", sink.trailers.Get("X-Check"))
	assert.Contains(t, fa.CallNames(), "EncodeComplete")
}

func TestAddEncodedTrailers(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	fa.FOnData = func(_ *buffer.Buffer, endStream bool) filters.DataStatus {
		if endStream {
			trailers := fa.FEncoderCallbacks.AddEncodedTrailers()
			trailers.Set("X-Check", "1")
		}

		return filters.DataContinue
	}

	sink := &recordingSink{}
	m, _ := newTestManager(Config{}, sink, func(b filters.ChainBuilder) {
		b.AddEncoderFilter(fa)
	})

	m.DecodeHeaders(requestHead(), true)
	m.EncodeHeaders(responseHead(200), false)
	m.EncodeData(buffer.NewString("pong"), true)

	// The data leaves without end-of-stream, the synthesized
	// trailers carry it.
	require.Equal(t, []string{"headers", "data", "trailers"}, sink.names())
	assert.False(t, sink.events[1].endStream)
	assert.Equal(t, "1", sink.trailers.Get("X-Check"))
}

func TestEncodeMetadata(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	sink := &recordingSink{}
	m, _ := newTestManager(Config{}, sink, func(b filters.ChainBuilder) {
		b.AddEncoderFilter(fa)
	})

	m.DecodeHeaders(requestHead(), true)
	m.EncodeHeaders(responseHead(200), false)
	m.EncodeMetadata(filters.Metadata{"k": "v"})

	require.Equal(t, []string{"headers", "metadata"}, sink.names())
	require.Len(t, sink.metadata, 1)
	assert.Equal(t, "v", sink.metadata[0]["k"])
}

func TestContinueHeadersSwallowed(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	sink := &recordingSink{}
	m, _ := newTestManager(Config{}, sink, func(b filters.ChainBuilder) {
		b.AddEncoderFilter(fa)
	})

	m.DecodeHeaders(requestHead(), true)
	m.Encode100ContinueHeaders(responseHead(100))

	assert.Empty(t, sink.events)
	assert.Empty(t, fa.FCalls)
}

func TestContinueHeadersProxied(t *testing.T) {
	fa := &filtertest.Filter{FilterName: "a"}
	sink := &recordingSink{}
	m, _ := newTestManager(Config{Proxy100Continue: true}, sink, func(b filters.ChainBuilder) {
		b.AddEncoderFilter(fa)
	})

	m.DecodeHeaders(requestHead(), true)
	m.Encode100ContinueHeaders(responseHead(100))

	require.Equal(t, []string{"100continue"}, sink.names())
	assert.Equal(t, 100, sink.events[0].status)
	assert.Equal(t, []string{"Encode100ContinueHeaders"}, fa.CallNames())
}

func TestContinueHeadersReplayedOnResume(t *testing.T) {
	fa := &filtertest.Filter{
		FilterName:     "a",
		F100Status:     filters.HeadersStopIteration,
		FHeadersStatus: filters.HeadersStopAllIterationAndBuffer,
	}
	fb := &filtertest.Filter{FilterName: "b"}
	sink := &recordingSink{}
	m, _ := newTestManager(Config{Proxy100Continue: true}, sink, func(b filters.ChainBuilder) {
		b.AddEncoderFilter(fa)
		b.AddEncoderFilter(fb)
	})

	m.DecodeHeaders(requestHead(), true)
	m.Encode100ContinueHeaders(responseHead(100))
	m.EncodeHeaders(responseHead(200), false)
	m.EncodeData(buffer.NewString("pong"), true)

	// Everything is held at the first filter, including the
	// informational headers.
	assert.Empty(t, sink.events)
	assert.Empty(t, fb.FCalls)

	// On resume the informational headers go out first, exactly once.
	fa.FEncoderCallbacks.ContinueEncoding()
	require.Equal(t, []string{"100continue", "headers", "data"}, sink.names())
	assert.Equal(t, 100, sink.events[0].status)
	assert.Equal(t, 200, sink.events[1].status)
	assert.Equal(t, "pong", sink.events[2].data)
	assert.True(t, sink.events[2].endStream)

	want := []string{"Encode100ContinueHeaders", "EncodeHeaders", "EncodeData", "EncodeComplete"}
	assert.Equal(t, want, fb.CallNames())
}
