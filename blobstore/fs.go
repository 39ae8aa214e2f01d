// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// Object header layout: 1 byte compression tag, 8 bytes big-endian
// uncompressed size, 32 bytes BLAKE3 checksum of the uncompressed
// payload, then the (possibly compressed) payload bytes.
const headerLength = 1 + 8 + 32

// FS is a filesystem-backed Store rooted at a directory. Objects are
// written atomically (temp file + rename) so readers never observe a
// partial object.
type FS struct {
	root   string
	codec  Compression
	logger *slog.Logger
}

// FSConfig holds the parameters for opening a filesystem store.
type FSConfig struct {
	// Root is the base directory. Created if it does not exist.
	Root string

	// Compression is the codec for new objects. Existing objects are
	// read with whatever codec their header names.
	Compression Compression

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// OpenFS opens (creating if needed) a filesystem store.
func OpenFS(cfg FSConfig) (*FS, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blobstore: Root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating root %s: %w", cfg.Root, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FS{root: cfg.Root, codec: cfg.Compression, logger: logger}, nil
}

// objectPath maps a key to an absolute filesystem path, rejecting
// keys that would escape the root.
func (s *FS) objectPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("blobstore: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Write stores data at key, overwriting any existing object. The
// object is compressed with the configured codec (falling back to no
// compression for incompressible payloads), checksummed, and renamed
// into place atomically.
func (s *FS) Write(key string, data []byte) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blobstore: creating directories for %s: %w", key, err)
	}

	codec := s.codec
	payload, err := compress(data, codec)
	if errors.Is(err, errIncompressible) {
		codec = CompressionNone
		payload = data
	} else if err != nil {
		return err
	}

	sum := blake3.Sum256(data)
	object := make([]byte, headerLength+len(payload))
	object[0] = byte(codec)
	binary.BigEndian.PutUint64(object[1:9], uint64(len(data)))
	copy(object[9:41], sum[:])
	copy(object[headerLength:], payload)

	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, object, 0o644); err != nil {
		return fmt.Errorf("blobstore: writing %s: %w", key, err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("blobstore: renaming %s: %w", key, err)
	}
	return nil
}

// Read returns the payload stored at key, verifying the checksum.
func (s *FS) Read(key string) ([]byte, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	object, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("blobstore: reading %s: %w", key, err)
	}
	if len(object) < headerLength {
		return nil, fmt.Errorf("%w: %s: truncated header (%d bytes)", ErrIntegrity, key, len(object))
	}

	codec := Compression(object[0])
	uncompressedSize := int(binary.BigEndian.Uint64(object[1:9]))
	var storedSum [32]byte
	copy(storedSum[:], object[9:41])

	data, err := decompress(object[headerLength:], codec, uncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if blake3.Sum256(data) != storedSum {
		s.logger.Error("blob checksum mismatch", "key", key)
		return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrIntegrity, key)
	}
	return data, nil
}

// Exists reports whether an object exists at key.
func (s *FS) Exists(key string) (bool, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: stat %s: %w", key, err)
	}
	return true, nil
}

// Delete removes the object at key. Missing objects are not an error.
func (s *FS) Delete(key string) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: deleting %s: %w", key, err)
	}
	return nil
}
