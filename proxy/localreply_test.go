package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirproxy/weir/filters"
)

func grpcRequestHead() *filters.RequestHeader {
	h := requestHead()
	h.Method = "POST"
	h.Header.Set("Content-Type", "application/grpc")
	return h
}

func TestFormatPlainTextReply(t *testing.T) {
	h, body := DefaultLocalReplyFormatter.Format(requestHead(), http.StatusNotFound, "not found", nil, false)

	assert.Equal(t, http.StatusNotFound, h.Status)
	assert.Equal(t, "text/plain", h.Header.Get("Content-Type"))
	assert.Equal(t, "9", h.Header.Get("Content-Length"))
	assert.Equal(t, "not found", body)
}

func TestFormatEmptyBodyReply(t *testing.T) {
	h, body := DefaultLocalReplyFormatter.Format(requestHead(), http.StatusNoContent, "", nil, false)

	assert.Equal(t, http.StatusNoContent, h.Status)
	assert.Empty(t, h.Header.Get("Content-Type"))
	assert.Empty(t, body)
}

func TestFormatHeadRequestReply(t *testing.T) {
	h, body := DefaultLocalReplyFormatter.Format(requestHead(), http.StatusNotFound, "not found", nil, true)

	// The head keeps the entity headers but the body is suppressed.
	assert.Equal(t, http.StatusNotFound, h.Status)
	assert.Equal(t, "9", h.Header.Get("Content-Length"))
	assert.Empty(t, body)
}

func TestFormatGrpcReply(t *testing.T) {
	h, body := DefaultLocalReplyFormatter.Format(grpcRequestHead(), http.StatusServiceUnavailable, "upstream down", nil, false)

	// gRPC replies are headers-only with a 200 head carrying the
	// status.
	require.Equal(t, http.StatusOK, h.Status)
	assert.Equal(t, "application/grpc", h.Header.Get("Content-Type"))
	assert.Equal(t, "14", h.Header.Get("Grpc-Status"))
	assert.Equal(t, "upstream down", h.Header.Get("Grpc-Message"))
	assert.Empty(t, body)
}

func TestFormatGrpcReplyExplicitStatus(t *testing.T) {
	status := 4
	h, _ := DefaultLocalReplyFormatter.Format(grpcRequestHead(), http.StatusGatewayTimeout, "deadline", &status, false)

	assert.Equal(t, "4", h.Header.Get("Grpc-Status"))
}

func TestGrpcStatusMapping(t *testing.T) {
	for _, tc := range []struct {
		code int
		want int
	}{
		{http.StatusBadRequest, 13},
		{http.StatusUnauthorized, 16},
		{http.StatusForbidden, 7},
		{http.StatusNotFound, 12},
		{http.StatusTooManyRequests, 14},
		{http.StatusBadGateway, 14},
		{http.StatusServiceUnavailable, 14},
		{http.StatusGatewayTimeout, 14},
		{http.StatusTeapot, 2},
	} {
		assert.Equal(t, tc.want, httpToGrpcStatus(tc.code), http.StatusText(tc.code))
	}
}

func TestGrpcLocalReplyThroughManager(t *testing.T) {
	sink := &recordingSink{}
	m, _ := newTestManager(Config{}, sink, nil)

	m.DecodeHeaders(grpcRequestHead(), true)
	m.SendLocalReply(http.StatusServiceUnavailable, "upstream down", nil, nil, "no_healthy_upstream")

	// Headers-only, no data frame follows.
	require.Equal(t, []string{"headers"}, sink.names())
	assert.True(t, sink.events[0].endStream)
	assert.Equal(t, "14", sink.headers.Header.Get("Grpc-Status"))
}
