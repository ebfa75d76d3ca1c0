package filters

import (
	"net/http"

	"github.com/weirproxy/weir/buffer"
)

// PassThroughDecoder is an embeddable DecoderFilter implementation
// that continues the iteration on every frame. Filters embed it and
// override the callbacks they care about.
type PassThroughDecoder struct {

	// DecoderCallbacks set by the manager before the first decode
	// callback.
	DecoderCallbacks DecoderFilterCallbacks
}

func (f *PassThroughDecoder) DecodeHeaders(*RequestHeader, bool) HeadersStatus {
	return HeadersContinue
}

func (f *PassThroughDecoder) DecodeData(*buffer.Buffer, bool) DataStatus {
	return DataContinue
}

func (f *PassThroughDecoder) DecodeTrailers(http.Header) TrailersStatus {
	return TrailersContinue
}

func (f *PassThroughDecoder) DecodeMetadata(Metadata) MetadataStatus {
	return MetadataContinue
}

func (f *PassThroughDecoder) DecodeComplete() {}

func (f *PassThroughDecoder) SetDecoderFilterCallbacks(callbacks DecoderFilterCallbacks) {
	f.DecoderCallbacks = callbacks
}

// PassThroughEncoder is an embeddable EncoderFilter implementation
// that continues the iteration on every frame.
type PassThroughEncoder struct {

	// EncoderCallbacks set by the manager before the first encode
	// callback.
	EncoderCallbacks EncoderFilterCallbacks
}

func (f *PassThroughEncoder) Encode100ContinueHeaders(*ResponseHeader) HeadersStatus {
	return HeadersContinue
}

func (f *PassThroughEncoder) EncodeHeaders(*ResponseHeader, bool) HeadersStatus {
	return HeadersContinue
}

func (f *PassThroughEncoder) EncodeData(*buffer.Buffer, bool) DataStatus {
	return DataContinue
}

func (f *PassThroughEncoder) EncodeTrailers(http.Header) TrailersStatus {
	return TrailersContinue
}

func (f *PassThroughEncoder) EncodeMetadata(Metadata) MetadataStatus {
	return MetadataContinue
}

func (f *PassThroughEncoder) EncodeComplete() {}

func (f *PassThroughEncoder) SetEncoderFilterCallbacks(callbacks EncoderFilterCallbacks) {
	f.EncoderCallbacks = callbacks
}
