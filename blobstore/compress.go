// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the codec applied to a stored object. The
// tag is stored in the object header (1 byte) — these values are
// format constants; changing them breaks existing stores.
type Compression uint8

const (
	// CompressionNone stores data uncompressed. Right for payloads
	// that are already compressed (JPEG frames from image sequences)
	// where a codec adds CPU cost without reducing size.
	CompressionNone Compression = 0

	// CompressionLZ4 is fast block compression (~4 GB/s decode),
	// a good default for binary payloads of unknown shape.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level. Better ratios
	// for text-like payloads: log sequences, CSV files, JSON.
	CompressionZstd Compression = 2
)

// String returns the codec name used in config files.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses a codec name from config.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("blobstore: unknown compression %q", name)
	}
}

var zstdEncoder *zstd.Encoder
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	// Concurrency 1: encoding happens on the caller's goroutine and
	// payloads are single revisions, not streams.
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("blobstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("blobstore: zstd decoder initialization failed: " + err.Error())
	}
}

// compress applies the codec to data. For CompressionNone the input
// is returned unchanged (no copy).
func compress(data []byte, codec Compression) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		buffer := make([]byte, lz4.CompressBlockBound(len(data)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(data, buffer)
		if err != nil {
			return nil, fmt.Errorf("blobstore: lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible block; store raw with the none tag is
			// not possible once the tag is chosen, so keep the lz4
			// framing by falling back to an uncompressed copy.
			return nil, errIncompressible
		}
		return buffer[:n], nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("blobstore: unsupported compression %d", codec)
	}
}

// errIncompressible signals that lz4 could not shrink the block; the
// writer retries with CompressionNone.
var errIncompressible = fmt.Errorf("blobstore: block is incompressible")

// decompress reverses compress. uncompressedSize must match the
// original length exactly; a mismatch is an integrity failure.
func decompress(data []byte, codec Compression, uncompressedSize int) ([]byte, error) {
	switch codec {
	case CompressionNone:
		if len(data) != uncompressedSize {
			return nil, fmt.Errorf("%w: size %d, header says %d", ErrIntegrity, len(data), uncompressedSize)
		}
		return data, nil

	case CompressionLZ4:
		buffer := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(data, buffer)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrIntegrity, err)
		}
		if n != uncompressedSize {
			return nil, fmt.Errorf("%w: lz4 size %d, header says %d", ErrIntegrity, n, uncompressedSize)
		}
		return buffer, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrIntegrity, err)
		}
		if len(out) != uncompressedSize {
			return nil, fmt.Errorf("%w: zstd size %d, header says %d", ErrIntegrity, len(out), uncompressedSize)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrIntegrity, codec)
	}
}
