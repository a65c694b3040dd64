package encoding

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec tags the first byte of a framed payload.
type Codec byte

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
)

var ErrEmptyFrame = errors.New("empty frame")

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

// EncodeAll/DecodeAll are safe for concurrent use on a shared encoder/decoder.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

// ParseCodec maps a configuration name ("none", "zstd") to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("unknown codec %q", name)
	}
}

// Frame prefixes payload with its codec byte, compressing when requested.
func Frame(codec Codec, payload []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		out := make([]byte, 0, len(payload)+1)
		out = append(out, byte(CodecNone))
		return append(out, payload...), nil
	case CodecZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		dst := make([]byte, 1, len(payload)/2+1)
		dst[0] = byte(CodecZstd)
		return enc.EncodeAll(payload, dst), nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}

// Unframe reverses Frame.
func Unframe(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	switch Codec(frame[0]) {
	case CodecNone:
		return frame[1:], nil
	case CodecZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec %d", frame[0])
	}
}

// MarshalFramed msgpack-encodes v and frames it with codec.
func MarshalFramed(codec Codec, v interface{}) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Frame(codec, raw)
}

// UnmarshalFramed unframes data and msgpack-decodes it into v.
func UnmarshalFramed(data []byte, v interface{}) error {
	raw, err := Unframe(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
