package compress

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirproxy/weir/buffer"
	"github.com/weirproxy/weir/filters"
)

func requestHeader(acceptEncoding string) *filters.RequestHeader {
	h := &filters.RequestHeader{
		Method:    "GET",
		Scheme:    "http",
		Authority: "www.example.org",
		Path:      "/",
		Header:    http.Header{},
	}

	if acceptEncoding != "" {
		h.Header.Set("Accept-Encoding", acceptEncoding)
	}

	return h
}

func responseHeaderOf(contentType string) *filters.ResponseHeader {
	h := &filters.ResponseHeader{Status: 200, Header: http.Header{}}
	h.Header.Set("Content-Type", contentType)
	h.Header.Set("Content-Length", "9000")
	return h
}

func TestPreferredEncoding(t *testing.T) {
	for _, tc := range []struct {
		header string
		want   string
	}{
		{"", ""},
		{"identity", ""},
		{"gzip", "gzip"},
		{"deflate", "deflate"},
		{"br", "br"},
		{"x-custom", ""},
		{"gzip;q=0.5, deflate;q=0.8", "deflate"},
		{"gzip;q=not-a-number, deflate;q=0.5", "gzip"},
		{"gzip;q=0", ""},
		{"gzip;q=0, deflate", "deflate"},
		{"*", ""},
	} {
		assert.Equal(t, tc.want, preferredEncoding(requestHeader(tc.header)), tc.header)
	}
}

func TestCompressible(t *testing.T) {
	h := responseHeaderOf("text/plain")
	assert.True(t, compressible(h, defaultCompressMIME))

	h = responseHeaderOf("text/plain; charset=utf-8")
	assert.True(t, compressible(h, defaultCompressMIME))

	h = responseHeaderOf("image/jpeg")
	assert.False(t, compressible(h, defaultCompressMIME))

	h = responseHeaderOf("text/plain")
	h.Header.Set("Content-Encoding", "gzip")
	assert.False(t, compressible(h, defaultCompressMIME))

	h = responseHeaderOf("text/plain")
	h.Header.Set("Content-Encoding", "identity")
	assert.True(t, compressible(h, defaultCompressMIME))

	h = responseHeaderOf("text/plain")
	h.Header.Set("Cache-Control", "public, No-Transform")
	assert.False(t, compressible(h, defaultCompressMIME))
}

func TestCreateFilterArgs(t *testing.T) {
	s := NewCompress()

	f, err := s.CreateFilter(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultCompressMIME, f.(*filter).mime)

	f, err = s.CreateFilter([]interface{}{"...", "image/tiff"})
	require.NoError(t, err)
	assert.Contains(t, f.(*filter).mime, "image/tiff")
	assert.Contains(t, f.(*filter).mime, "text/html")

	f, err = s.CreateFilter([]interface{}{"text/html"})
	require.NoError(t, err)
	assert.Equal(t, []string{"text/html"}, f.(*filter).mime)

	_, err = s.CreateFilter([]interface{}{42})
	assert.Equal(t, filters.ErrInvalidFilterParameters, err)
}

func compressStream(t *testing.T, acceptEncoding string, frames []string) (*filters.ResponseHeader, []byte) {
	t.Helper()

	s := NewCompress()
	fi, err := s.CreateFilter(nil)
	require.NoError(t, err)
	f := fi.(*filter)

	f.DecodeHeaders(requestHeader(acceptEncoding), false)

	h := responseHeaderOf("text/plain")
	f.EncodeHeaders(h, false)

	var out bytes.Buffer
	for i, frame := range frames {
		b := buffer.NewString(frame)
		f.EncodeData(b, i == len(frames)-1)
		out.Write(b.Bytes())
	}

	return h, out.Bytes()
}

func TestCompressGzip(t *testing.T) {
	h, out := compressStream(t, "gzip", []string{"Hello, ", "filter ", "chain!"})

	assert.Equal(t, "gzip", h.Header.Get("Content-Encoding"))
	assert.Equal(t, "", h.Header.Get("Content-Length"))
	assert.Equal(t, "Accept-Encoding", h.Header.Get("Vary"))

	r, err := gzip.NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "Hello, filter chain!", string(plain))
}

func TestCompressBrotli(t *testing.T) {
	h, out := compressStream(t, "br", []string{"Hello, ", "brotli!"})

	assert.Equal(t, "br", h.Header.Get("Content-Encoding"))

	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(out)))
	require.NoError(t, err)
	assert.Equal(t, "Hello, brotli!", string(plain))
}

func TestCompressSkipsUnacceptable(t *testing.T) {
	h, out := compressStream(t, "", []string{"plain text"})

	assert.Equal(t, "", h.Header.Get("Content-Encoding"))
	assert.Equal(t, "plain text", string(out))
	assert.Equal(t, "9000", h.Header.Get("Content-Length"))
}

func TestCompressSkipsEndStreamHeaders(t *testing.T) {
	s := NewCompress()
	fi, err := s.CreateFilter(nil)
	require.NoError(t, err)
	f := fi.(*filter)

	f.DecodeHeaders(requestHeader("gzip"), false)
	h := responseHeaderOf("text/plain")
	f.EncodeHeaders(h, true)

	assert.Equal(t, "", h.Header.Get("Content-Encoding"))
	assert.Nil(t, f.encoder)
}

type trailerCallbacks struct {
	filters.EncoderFilterCallbacks
	added *buffer.Buffer
}

func (c *trailerCallbacks) AddEncodedData(data *buffer.Buffer, streaming bool) {
	c.added = data
}

func TestCompressFinalizesOnTrailers(t *testing.T) {
	s := NewCompress()
	fi, err := s.CreateFilter(nil)
	require.NoError(t, err)
	f := fi.(*filter)

	callbacks := &trailerCallbacks{}
	f.SetEncoderFilterCallbacks(callbacks)

	f.DecodeHeaders(requestHeader("gzip"), false)
	f.EncodeHeaders(responseHeaderOf("text/plain"), false)

	var out bytes.Buffer
	b := buffer.NewString("trailing content")
	f.EncodeData(b, false)
	out.Write(b.Bytes())

	f.EncodeTrailers(http.Header{"Grpc-Status": []string{"0"}})
	require.NotNil(t, callbacks.added)
	out.Write(callbacks.added.Bytes())

	r, err := gzip.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "trailing content", string(plain))
}
