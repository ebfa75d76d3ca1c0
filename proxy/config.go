package proxy

import (
	"net"
	"time"

	ot "github.com/opentracing/opentracing-go"

	"github.com/weirproxy/weir/logging"
	"github.com/weirproxy/weir/metrics"
	"github.com/weirproxy/weir/routing"
)

// DefaultBufferLimit is the per direction buffered body limit applied
// when the configuration leaves BufferLimit zero. It doubles as the
// high watermark of the direction buffers.
const DefaultBufferLimit = 64 * 1024

// Config collects the per stream options of the filter chain manager.
// The zero value is usable, selecting the defaults documented on the
// fields.
type Config struct {

	// BufferLimit caps the buffered body bytes per direction.
	// Exceeding it triggers the too-large policy or, for streaming
	// filters, the watermarks. Defaults to DefaultBufferLimit.
	BufferLimit int

	// Proxy100Continue enables forwarding 1xx response heads through
	// the encoder chain. When false they are swallowed.
	Proxy100Continue bool

	// IsHeadRequest suppresses local reply bodies.
	IsHeadRequest bool

	// DecodingHeadersOnly drops request body and trailers after the
	// headers, also set at runtime by a filter returning
	// ContinueAndEndStream.
	DecodingHeadersOnly bool

	// EncodingHeadersOnly is the response direction counterpart.
	EncodingHeadersOnly bool

	// IdleTimeout bounds the time between stream events. Zero
	// disables the timer.
	IdleTimeout time.Duration

	// RequestTimeout bounds receiving the complete request. Zero
	// disables the timer.
	RequestTimeout time.Duration

	// MaxStreamDuration bounds the total stream lifetime. Zero
	// disables the timer.
	MaxStreamDuration time.Duration

	// Logger used for per stream application logging. Defaults to
	// the logrus backed standard logger.
	Logger logging.Logger

	// Metrics receives the filter callback durations and stream
	// event counters. Defaults to the no-op implementation.
	Metrics metrics.Metrics

	// Span is the stream's tracing span, nil for untraced streams.
	Span ot.Span

	// LocalReplyFormatter synthesizes locally generated responses.
	// Defaults to the plain text formatter with gRPC awareness.
	LocalReplyFormatter LocalReplyFormatter

	// Connection is the downstream connection, when known.
	Connection net.Conn

	// RouteConfig is the route table snapshot of the stream.
	RouteConfig *routing.RouteConfig

	// RouteConfigUpdater serves on-demand route table updates, nil
	// when the route table is static.
	RouteConfigUpdater RouteConfigUpdater
}

func (c Config) withDefaults() Config {
	if c.BufferLimit <= 0 {
		c.BufferLimit = DefaultBufferLimit
	}

	if c.Logger == nil {
		c.Logger = logging.New()
	}

	if c.Metrics == nil {
		c.Metrics = metrics.Default
	}

	if c.LocalReplyFormatter == nil {
		c.LocalReplyFormatter = DefaultLocalReplyFormatter
	}

	return c
}
