// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"strings"
	"time"

	"github.com/rhizolab/rhizo-server/access"
)

// Kind identifies what a resource is. The numeric values are storage
// constants shared with existing clients; folder kinds occupy 10–19 so
// IsFolder stays a range check.
type Kind int

const (
	// KindBasicFolder is a plain grouping folder.
	KindBasicFolder Kind = 10

	// KindOrganizationFolder is a top-level organization. Its
	// organization id is its own resource id, and every descendant
	// inherits that id.
	KindOrganizationFolder Kind = 11

	// KindControllerFolder represents a device. Creating one
	// provisions a status record, a log sequence, and a folder of
	// telemetry sequences.
	KindControllerFolder Kind = 12

	// KindRemoteFolder mirrors a subtree that lives on another server.
	KindRemoteFolder Kind = 13

	// KindFile is a revisioned file.
	KindFile Kind = 20

	// KindSequence is a revisioned time series of values.
	KindSequence Kind = 21

	// KindApp is an application entry point.
	KindApp Kind = 22
)

// IsFolder reports whether resources of this kind can contain
// children.
func (k Kind) IsFolder() bool { return k >= 10 && k <= 19 }

// String returns the kind name used in API payloads.
func (k Kind) String() string {
	switch k {
	case KindBasicFolder:
		return "basic_folder"
	case KindOrganizationFolder:
		return "organization_folder"
	case KindControllerFolder:
		return "controller_folder"
	case KindRemoteFolder:
		return "remote_folder"
	case KindFile:
		return "file"
	case KindSequence:
		return "sequence"
	case KindApp:
		return "app"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SequenceDataType identifies what a sequence's values are. Storage
// constants — do not renumber.
type SequenceDataType int

const (
	// SequenceNumeric holds decimal numbers.
	SequenceNumeric SequenceDataType = 1
	// SequenceText holds free-form text (log lines).
	SequenceText SequenceDataType = 2
	// SequenceImage holds image frames (typically JPEG).
	SequenceImage SequenceDataType = 3
)

// String returns the data type name used in API payloads.
func (t SequenceDataType) String() string {
	switch t {
	case SequenceNumeric:
		return "numeric"
	case SequenceText:
		return "text"
	case SequenceImage:
		return "image"
	default:
		return fmt.Sprintf("data_type(%d)", int(t))
	}
}

// SystemAttrs are the structured attributes the server itself
// interprets, stored as a CBOR blob on the resource row. Which fields
// apply depends on the resource kind; unused fields stay zero and are
// omitted from the encoding.
type SystemAttrs struct {
	// DataType is the sequence value type. Sequences only.
	DataType SequenceDataType `cbor:"data_type,omitempty" json:"data_type,omitempty"`

	// MaxHistory bounds the number of retained revisions. Sequences
	// only; zero means the default of 10000.
	MaxHistory int64 `cbor:"max_history,omitempty" json:"max_history,omitempty"`

	// MinStorageInterval is the minimum number of seconds between
	// stored values. Sequences only; nil means the default for the
	// data type (0 for text, 50 for numeric and image).
	MinStorageInterval *int `cbor:"min_storage_interval,omitempty" json:"min_storage_interval,omitempty"`

	// Units is a display label for numeric sequences ("degrees C").
	Units string `cbor:"units,omitempty" json:"units,omitempty"`

	// DecimalPlaces is the display precision for numeric sequences.
	DecimalPlaces int `cbor:"decimal_places,omitempty" json:"decimal_places,omitempty"`

	// FileType is the declared format of a file resource ("csv",
	// "jpeg", "md").
	FileType string `cbor:"file_type,omitempty" json:"file_type,omitempty"`

	// WatchdogMinutes is how long a controller may stay silent before
	// a watchdog notification fires. Controllers only; zero disables
	// the watchdog.
	WatchdogMinutes int `cbor:"watchdog_minutes,omitempty" json:"watchdog_minutes,omitempty"`

	// WatchdogRecipients is the comma-separated notification targets
	// for watchdog alerts. Controllers only.
	WatchdogRecipients string `cbor:"watchdog_recipients,omitempty" json:"watchdog_recipients,omitempty"`

	// RemoteURL and RemotePath identify the subtree a remote folder
	// mirrors. Remote folders only.
	RemoteURL  string `cbor:"remote_url,omitempty" json:"remote_url,omitempty"`
	RemotePath string `cbor:"remote_path,omitempty" json:"remote_path,omitempty"`
}

// EffectiveMinStorageInterval resolves the storage interval, applying
// the per-data-type default when unset.
func (a SystemAttrs) EffectiveMinStorageInterval() time.Duration {
	if a.MinStorageInterval != nil {
		return time.Duration(*a.MinStorageInterval) * time.Second
	}
	if a.DataType == SequenceText {
		return 0
	}
	return 50 * time.Second
}

// EffectiveMaxHistory resolves the revision retention bound.
func (a SystemAttrs) EffectiveMaxHistory() int64 {
	if a.MaxHistory > 0 {
		return a.MaxHistory
	}
	return 10000
}

// Resource is one node of the tree.
type Resource struct {
	// ID is the resource's row id.
	ID int64

	// ParentID is the containing folder, or 0 for a top-level
	// resource.
	ParentID int64

	// OrganizationID is the organization this resource belongs to. For
	// an organization folder it equals ID.
	OrganizationID int64

	// Name is the path segment. Unique among non-deleted siblings.
	Name string

	// Kind is the resource kind.
	Kind Kind

	// Permissions is the resource's own grant list. Nil means inherit
	// the parent's effective permissions unchanged; an empty non-nil
	// list blocks inheritance for keys it covers (it covers none, so
	// it behaves like nil in practice but is stored distinctly).
	Permissions []access.Entry

	// SystemAttrs are the server-interpreted attributes.
	SystemAttrs SystemAttrs

	// UserAttrs are free-form client attributes, opaque to the server.
	UserAttrs map[string]any

	// Deleted marks a soft-deleted resource. Deleted resources are
	// invisible to resolution and listing but their rows and revision
	// data remain.
	Deleted bool

	// CreationTime and ModificationTime track the resource lifecycle.
	CreationTime     time.Time
	ModificationTime time.Time

	// LastRevisionID is the current revision, or 0 if the resource has
	// no data yet.
	LastRevisionID int64
}

// validateName checks a path segment. Names must be usable in both
// filesystem-style paths and MQTT topics.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\x00#+") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q has leading or trailing whitespace", ErrInvalidName, name)
	}
	return nil
}

// SplitPath splits a slash-separated resource path into segments,
// tolerating a leading slash and collapsing empty segments.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0]
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}
