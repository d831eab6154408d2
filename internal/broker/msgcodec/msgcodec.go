// Package msgcodec handles compression of conversation turn content.
// Small payloads are stored as-is; larger ones are zstd-compressed,
// with the scheme recorded alongside so rows remain self-describing.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression schemes stored in the turns.compression column.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// compressThreshold is the content size in bytes above which turn
// content is compressed before storage.
const compressThreshold = 4096

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Encode returns the stored representation of content and the
// compression scheme used.
func Encode(content string) ([]byte, string) {
	raw := []byte(content)
	if len(raw) <= compressThreshold {
		return raw, CompressionNone
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), CompressionZstd
}

// Decode reverses Encode given the stored bytes and scheme.
func Decode(data []byte, compression string) (string, error) {
	switch compression {
	case CompressionNone, "":
		return string(data), nil
	case CompressionZstd:
		raw, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return "", fmt.Errorf("decompress turn content: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unknown compression scheme %q", compression)
	}
}
