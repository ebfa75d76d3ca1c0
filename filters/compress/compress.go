/*
Package compress implements a stream filter compressing the response
body on the fly.

The filter checks on the request path whether the client accepts one of
the supported encodings, and on the response path whether the entity
can be compressed at all. When both hold, it rewrites the response
headers and compresses every body frame as it passes through the
encoder chain, flushing the codec at frame boundaries so the stream
stays incremental.
*/
package compress

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/weirproxy/weir/buffer"
	"github.com/weirproxy/weir/filters"
)

// Name of the compress filter in the registry.
const Name = "compress"

var (
	supportedEncodings     = map[string]bool{"gzip": true, "deflate": true, "br": true}
	errUnsupportedEncoding = errors.New("unsupported encoding")
)

var defaultCompressMIME = []string{
	"text/plain",
	"text/html",
	"application/json",
	"application/javascript",
	"application/x-javascript",
	"text/javascript",
	"text/css",
	"image/svg+xml",
	"application/octet-stream",
}

type flushWriter interface {
	io.WriteCloser
	Flush() error
}

// Spec creates compress filter instances. The args select the
// compressible content types: with no args the defaults apply, with
// "..." as the first arg the remaining args extend the defaults, and
// otherwise the args replace them.
type Spec struct{}

type filter struct {
	filters.PassThroughDecoder
	filters.PassThroughEncoder

	mime     []string
	accepted string

	encoder flushWriter
	staged  *buffer.Buffer
	closed  bool
}

// NewCompress returns the spec of the compress filter.
func NewCompress() filters.Spec { return &Spec{} }

func (s *Spec) Name() string { return Name }

func (s *Spec) CreateFilter(args []interface{}) (filters.Filter, error) {
	f := &filter{}

	if len(args) == 0 {
		f.mime = defaultCompressMIME
		return f, nil
	}

	if args[0] == "..." {
		f.mime = defaultCompressMIME
		args = args[1:]
	}

	for _, a := range args {
		if s, ok := a.(string); ok {
			f.mime = append(f.mime, s)
		} else {
			return nil, filters.ErrInvalidFilterParameters
		}
	}

	return f, nil
}

func (f *filter) Name() string { return Name }

// preferredEncoding picks the supported content coding with the
// highest quality value from the request's Accept-Encoding header.
// Codings refused by the client with q=0 are skipped.
func preferredEncoding(h *filters.RequestHeader) string {
	var (
		best  string
		bestQ float64
	)

	for _, entry := range strings.Split(h.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(entry, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if !supportedEncodings[name] {
			continue
		}

		if q := quality(params); q > bestQ {
			best, bestQ = name, q
		}
	}

	return best
}

// quality parses the q parameter of an Accept-Encoding entry. Missing
// and malformed values count as 1.
func quality(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) != "q" {
			continue
		}

		if q, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return q
		}

		break
	}

	return 1
}

// compressible tells whether the response entity may be compressed:
// not already content encoded, not marked no-transform and of a
// configured content type.
func compressible(h *filters.ResponseHeader, mime []string) bool {
	switch h.Header.Get("Content-Encoding") {
	case "", "identity":
	default:
		return false
	}

	for _, directive := range strings.Split(h.Header.Get("Cache-Control"), ",") {
		if strings.EqualFold(strings.TrimSpace(directive), "no-transform") {
			return false
		}
	}

	ct, _, _ := strings.Cut(h.Header.Get("Content-Type"), ";")
	return slices.Contains(mime, strings.TrimSpace(ct))
}

// markCompressed rewrites the response head for the compressed
// entity.
func markCompressed(h *filters.ResponseHeader, enc string) {
	h.Header.Del("Content-Length")
	h.Header.Set("Content-Encoding", enc)

	for _, v := range h.Header.Values("Vary") {
		if strings.EqualFold(v, "Accept-Encoding") {
			return
		}
	}

	h.Header.Add("Vary", "Accept-Encoding")
}

func newEncoder(enc string, w io.Writer) flushWriter {
	switch enc {
	case "gzip":
		return gzip.NewWriter(w)
	case "deflate":
		fw, err := flate.NewWriter(w, flate.DefaultCompression)
		if err != nil {
			// flate returns an error only for an invalid level
			panic(err)
		}

		return fw
	case "br":
		return brotli.NewWriter(w)
	default:
		panic(errUnsupportedEncoding)
	}
}

func (f *filter) DecodeHeaders(headers *filters.RequestHeader, endStream bool) filters.HeadersStatus {
	f.accepted = preferredEncoding(headers)
	return filters.HeadersContinue
}

func (f *filter) EncodeHeaders(headers *filters.ResponseHeader, endStream bool) filters.HeadersStatus {
	if endStream || f.accepted == "" || !compressible(headers, f.mime) {
		return filters.HeadersContinue
	}

	markCompressed(headers, f.accepted)
	f.staged = buffer.New()
	f.encoder = newEncoder(f.accepted, f.staged)
	return filters.HeadersContinue
}

func (f *filter) EncodeData(data *buffer.Buffer, endStream bool) filters.DataStatus {
	if f.encoder == nil {
		return filters.DataContinue
	}

	f.encoder.Write(data.Bytes())
	data.Reset()
	if endStream {
		f.encoder.Close()
		f.closed = true
	} else if err := f.encoder.Flush(); err != nil {
		return filters.DataContinue
	}

	data.Move(f.staged)
	return filters.DataContinue
}

func (f *filter) EncodeTrailers(trailers http.Header) filters.TrailersStatus {
	if f.encoder == nil || f.closed {
		return filters.TrailersContinue
	}

	f.encoder.Close()
	f.closed = true
	if f.staged.Len() > 0 {
		tail := buffer.New()
		tail.Move(f.staged)
		f.EncoderCallbacks.AddEncodedData(tail, false)
	}

	return filters.TrailersContinue
}
