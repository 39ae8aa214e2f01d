// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package sequence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	// Registered decoders for the frame formats cameras actually send.
	_ "image/gif"
	_ "image/png"

	"time"

	"golang.org/x/image/draw"

	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
)

// thumbnailWidth is the fixed width of generated thumbnails; height
// follows the frame's aspect ratio. The child sequence is named after
// the width so additional sizes can coexist.
const thumbnailWidth = 240

// thumbnailName is the child sequence holding the reduced frames.
const thumbnailName = "thumbnail-240-x"

// thumbnailQuality is the JPEG quality for reduced frames.
const thumbnailQuality = 80

// storeThumbnail scales an image frame down and records it into the
// sequence's thumbnail child, creating the child on first use. It
// returns the thumbnail's revision id for the update event.
func (r *Recorder) storeThumbnail(ctx context.Context, seq *resource.Resource, frame []byte, timestamp time.Time) (int64, error) {
	reduced, err := makeThumbnail(frame)
	if err != nil {
		return 0, err
	}

	child, err := r.resources.Child(ctx, seq.ID, thumbnailName)
	if errors.Is(err, resource.ErrNotFound) {
		interval := 0
		child, err = r.resources.Create(ctx, resource.CreateParams{
			ParentID: seq.ID,
			Name:     thumbnailName,
			Kind:     resource.KindSequence,
			SystemAttrs: resource.SystemAttrs{
				DataType:           resource.SequenceImage,
				MaxHistory:         seq.SystemAttrs.EffectiveMaxHistory(),
				MinStorageInterval: &interval,
			},
		})
	}
	if err != nil {
		return 0, err
	}

	rev, err := r.revisions.Append(ctx, revision.AppendParams{
		ResourceID: child.ID,
		OrgID:      child.OrganizationID,
		Timestamp:  timestamp,
		Data:       reduced,
	})
	if err != nil {
		return 0, err
	}
	return rev.ID, nil
}

// makeThumbnail decodes a frame, scales it to the thumbnail width
// preserving aspect ratio, and re-encodes it as JPEG. Frames already
// narrower than the thumbnail width are re-encoded unscaled.
func makeThumbnail(frame []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("sequence: decoding frame: %w", err)
	}

	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("sequence: empty frame")
	}

	out := src
	if width > thumbnailWidth {
		scaledHeight := height * thumbnailWidth / width
		if scaledHeight < 1 {
			scaledHeight = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, thumbnailWidth, scaledHeight))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
		out = dst
	}

	var buffer bytes.Buffer
	if err := jpeg.Encode(&buffer, out, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("sequence: encoding thumbnail: %w", err)
	}
	return buffer.Bytes(), nil
}
