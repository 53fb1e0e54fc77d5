// Package compress provides the block compression codecs used for point
// files. The codec is recorded in the file extension so readers never need
// out-of-band configuration to decode an artifact.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrBlockTooShort is returned when a compressed block is missing its header.
var ErrBlockTooShort = errors.New("compressed block too short")

// Codec compresses and decompresses whole artifacts.
// Implementations must be safe for concurrent use.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Ext returns the filename suffix for this codec ("" for none).
	Ext() string
}

// ByExt returns the codec matching a filename suffix.
func ByExt(ext string) (Codec, bool) {
	switch ext {
	case "":
		return None{}, true
	case ".zst":
		return Zstd{}, true
	case ".lz4":
		return LZ4{}, true
	default:
		return nil, false
	}
}

// ForName returns the codec a file was written with, based on its name.
func ForName(name string) Codec {
	for _, c := range []Codec{Zstd{}, LZ4{}} {
		if ext := c.Ext(); len(name) > len(ext) && name[len(name)-len(ext):] == ext {
			return c
		}
	}
	return None{}
}

// None is the identity codec.
type None struct{}

func (None) Compress(data []byte) ([]byte, error)   { return data, nil }
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }
func (None) Ext() string                            { return "" }

// Zstd compresses with klauspost zstd at the default level.
type Zstd struct{}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func (Zstd) Compress(data []byte) ([]byte, error) {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc.EncodeAll(data, nil), nil
}

func (Zstd) Decompress(data []byte) ([]byte, error) {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec.DecodeAll(data, nil)
}

func (Zstd) Ext() string { return ".zst" }

// LZ4 compresses with lz4 block compression. Blocks carry a 4-byte
// little-endian uncompressed-size header; a zero compressed size after the
// header means the block is stored raw (incompressible input).
type LZ4 struct{}

const lz4HeaderSize = 4

func (LZ4) Compress(data []byte) ([]byte, error) {
	buf := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(buf[:lz4HeaderSize], uint32(len(data)))

	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf[lz4HeaderSize:])
	if err != nil || n == 0 || n >= len(data) {
		// Store raw when compression fails or does not help.
		out := make([]byte, lz4HeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[:lz4HeaderSize], uint32(len(data)))
		copy(out[lz4HeaderSize:], data)
		return out, nil
	}
	return buf[:lz4HeaderSize+n], nil
}

func (LZ4) Decompress(data []byte) ([]byte, error) {
	if len(data) < lz4HeaderSize {
		return nil, ErrBlockTooShort
	}
	size := binary.LittleEndian.Uint32(data[:lz4HeaderSize])
	body := data[lz4HeaderSize:]

	if uint32(len(body)) == size {
		// Stored raw.
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}

func (LZ4) Ext() string { return ".lz4" }
