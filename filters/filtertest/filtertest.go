/*
Package filtertest implements programmable filter doubles for testing
the chain manager and filters depending on each other's behavior.

The doubles return preprogrammed statuses per frame type and record
every callback they receive, so tests can both steer the iteration and
assert the frames a filter position saw.
*/
package filtertest

import (
	"net/http"

	"github.com/weirproxy/weir/buffer"
	"github.com/weirproxy/weir/filters"
)

// Call records one callback received by a filter double.
type Call struct {
	Name      string
	EndStream bool
	Data      string
	Trailers  http.Header
	Metadata  filters.Metadata
}

// Filter is a programmable filter for both directions. The zero value
// continues on every frame.
type Filter struct {
	FilterName string

	FHeadersStatus  filters.HeadersStatus
	FDataStatus     filters.DataStatus
	FTrailersStatus filters.TrailersStatus

	// F100Status is returned from the informational headers
	// callback, encoder side only.
	F100Status filters.HeadersStatus

	// FOnHeaders, when set, runs during the headers callback and its
	// return value wins over FHeadersStatus.
	FOnHeaders func(endStream bool) filters.HeadersStatus

	// FOnData, when set, runs during the data callback and its
	// return value wins over FDataStatus.
	FOnData func(data *buffer.Buffer, endStream bool) filters.DataStatus

	// FOnTrailers, when set, runs during the trailers callback and
	// its return value wins over FTrailersStatus.
	FOnTrailers func(trailers http.Header) filters.TrailersStatus

	FCalls    []Call
	FComplete bool

	FDecoderCallbacks filters.DecoderFilterCallbacks
	FEncoderCallbacks filters.EncoderFilterCallbacks
}

var _ filters.StreamFilter = &Filter{}

func (f *Filter) Name() string { return f.FilterName }

func (f *Filter) record(c Call) { f.FCalls = append(f.FCalls, c) }

// CallNames returns the names of the recorded callbacks in order.
func (f *Filter) CallNames() []string {
	names := make([]string, len(f.FCalls))
	for i, c := range f.FCalls {
		names[i] = c.Name
	}

	return names
}

func (f *Filter) DecodeHeaders(_ *filters.RequestHeader, endStream bool) filters.HeadersStatus {
	f.record(Call{Name: "DecodeHeaders", EndStream: endStream})
	if f.FOnHeaders != nil {
		return f.FOnHeaders(endStream)
	}

	return f.FHeadersStatus
}

func (f *Filter) DecodeData(data *buffer.Buffer, endStream bool) filters.DataStatus {
	f.record(Call{Name: "DecodeData", EndStream: endStream, Data: data.String()})
	if f.FOnData != nil {
		return f.FOnData(data, endStream)
	}

	return f.FDataStatus
}

func (f *Filter) DecodeTrailers(trailers http.Header) filters.TrailersStatus {
	f.record(Call{Name: "DecodeTrailers", Trailers: trailers})
	if f.FOnTrailers != nil {
		return f.FOnTrailers(trailers)
	}

	return f.FTrailersStatus
}

func (f *Filter) DecodeMetadata(metadata filters.Metadata) filters.MetadataStatus {
	f.record(Call{Name: "DecodeMetadata", Metadata: metadata})
	return filters.MetadataContinue
}

func (f *Filter) DecodeComplete() {
	f.record(Call{Name: "DecodeComplete"})
	f.FComplete = true
}

func (f *Filter) SetDecoderFilterCallbacks(callbacks filters.DecoderFilterCallbacks) {
	f.FDecoderCallbacks = callbacks
}

func (f *Filter) Encode100ContinueHeaders(*filters.ResponseHeader) filters.HeadersStatus {
	f.record(Call{Name: "Encode100ContinueHeaders"})
	return f.F100Status
}

func (f *Filter) EncodeHeaders(_ *filters.ResponseHeader, endStream bool) filters.HeadersStatus {
	f.record(Call{Name: "EncodeHeaders", EndStream: endStream})
	if f.FOnHeaders != nil {
		return f.FOnHeaders(endStream)
	}

	return f.FHeadersStatus
}

func (f *Filter) EncodeData(data *buffer.Buffer, endStream bool) filters.DataStatus {
	f.record(Call{Name: "EncodeData", EndStream: endStream, Data: data.String()})
	if f.FOnData != nil {
		return f.FOnData(data, endStream)
	}

	return f.FDataStatus
}

func (f *Filter) EncodeTrailers(trailers http.Header) filters.TrailersStatus {
	f.record(Call{Name: "EncodeTrailers", Trailers: trailers})
	if f.FOnTrailers != nil {
		return f.FOnTrailers(trailers)
	}

	return f.FTrailersStatus
}

func (f *Filter) EncodeMetadata(metadata filters.Metadata) filters.MetadataStatus {
	f.record(Call{Name: "EncodeMetadata", Metadata: metadata})
	return filters.MetadataContinue
}

func (f *Filter) EncodeComplete() {
	f.record(Call{Name: "EncodeComplete"})
	f.FComplete = true
}

func (f *Filter) SetEncoderFilterCallbacks(callbacks filters.EncoderFilterCallbacks) {
	f.FEncoderCallbacks = callbacks
}

// Spec creates preconfigured Filter instances for chain configuration
// tests.
type Spec struct {
	FilterName string
	FCreated   []*Filter
}

var _ filters.Spec = &Spec{}

func (s *Spec) Name() string { return s.FilterName }

func (s *Spec) CreateFilter([]interface{}) (filters.Filter, error) {
	f := &Filter{FilterName: s.FilterName}
	s.FCreated = append(s.FCreated, f)
	return f, nil
}
