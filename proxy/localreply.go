package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/weirproxy/weir/filters"
)

// LocalReplyFormatter synthesizes the response head and body of a
// locally generated reply. The returned body is empty when the reply
// is headers-only.
type LocalReplyFormatter interface {
	Format(requestHeaders *filters.RequestHeader, code int, body string, grpcStatus *int, isHeadRequest bool) (*filters.ResponseHeader, string)
}

// DefaultLocalReplyFormatter writes plain text replies, switching to a
// headers-only gRPC reply when the request carried a gRPC content
// type.
var DefaultLocalReplyFormatter LocalReplyFormatter = localReplyFormatter{}

type localReplyFormatter struct{}

func hasGrpcContentType(h *filters.RequestHeader) bool {
	return h != nil && strings.HasPrefix(h.Header.Get("Content-Type"), "application/grpc")
}

// httpToGrpcStatus maps an HTTP status code to the closest gRPC
// status code.
func httpToGrpcStatus(code int) int {
	switch code {
	case http.StatusBadRequest:
		return 13 // internal
	case http.StatusUnauthorized:
		return 16 // unauthenticated
	case http.StatusForbidden:
		return 7 // permission denied
	case http.StatusNotFound:
		return 12 // unimplemented
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return 14 // unavailable
	default:
		return 2 // unknown
	}
}

func (localReplyFormatter) Format(requestHeaders *filters.RequestHeader, code int, body string, grpcStatus *int, isHeadRequest bool) (*filters.ResponseHeader, string) {
	if hasGrpcContentType(requestHeaders) {
		// gRPC replies are always a headers-only 200 carrying the
		// status in the trailers-only head.
		status := httpToGrpcStatus(code)
		if grpcStatus != nil {
			status = *grpcStatus
		}

		h := &filters.ResponseHeader{Status: http.StatusOK, Header: http.Header{}}
		h.Header.Set("Content-Type", "application/grpc")
		h.Header.Set("Grpc-Status", strconv.Itoa(status))
		if body != "" {
			h.Header.Set("Grpc-Message", body)
		}

		return h, ""
	}

	h := &filters.ResponseHeader{Status: code, Header: http.Header{}}
	if body != "" {
		h.Header.Set("Content-Length", strconv.Itoa(len(body)))
		h.Header.Set("Content-Type", "text/plain")
	}

	if isHeadRequest {
		return h, ""
	}

	return h, body
}
