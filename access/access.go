// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package access

import "fmt"

// Level is an access level. Levels are numerically comparable:
// None < Read < Write.
type Level int

const (
	// LevelNone grants nothing.
	LevelNone Level = 0
	// LevelRead grants read access.
	LevelRead Level = 10
	// LevelWrite grants read and write access.
	LevelWrite Level = 20
)

// String returns "none", "read", or "write".
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// GrantType identifies the subject class of a permission entry. The
// numeric values are storage constants shared with existing clients —
// changing them breaks stored permission lists.
type GrantType int

const (
	// Public applies to everyone, authenticated or not.
	Public GrantType = 100
	// OrgUsers applies to users who are members of the organization
	// named by SubjectID.
	OrgUsers GrantType = 110
	// OrgControllers applies to controllers owned by the organization
	// named by SubjectID.
	OrgControllers GrantType = 120
	// User applies to the single user named by SubjectID.
	User GrantType = 130
	// Controller applies to the single controller named by SubjectID.
	Controller GrantType = 140
)

// String returns a human-readable grant type name.
func (t GrantType) String() string {
	switch t {
	case Public:
		return "public"
	case OrgUsers:
		return "org_users"
	case OrgControllers:
		return "org_controllers"
	case User:
		return "user"
	case Controller:
		return "controller"
	default:
		return fmt.Sprintf("grant_type(%d)", int(t))
	}
}

// Entry is one permission grant on a resource.
type Entry struct {
	// Type is the subject class this entry applies to.
	Type GrantType `cbor:"1,keyasint"`

	// SubjectID is the organization, user, or controller the entry
	// names. Unused (zero) for Public entries.
	SubjectID int64 `cbor:"2,keyasint"`

	// Level is the access level granted.
	Level Level `cbor:"3,keyasint"`
}

// Key identifies the (type, subject) pair an entry covers. Child
// resources override parent entries per key during permission
// inheritance.
func (e Entry) Key() EntryKey {
	return EntryKey{Type: e.Type, SubjectID: e.SubjectID}
}

// EntryKey is the (type, subject) identity of an entry.
type EntryKey struct {
	Type      GrantType
	SubjectID int64
}

// Actor is the identity a request acts as. Exactly one of the user and
// controller fields is normally populated; an anonymous request has
// neither. Organization memberships are resolved by the caller before
// evaluation so that Evaluate stays pure.
type Actor struct {
	// UserID is the acting user, or 0 for none.
	UserID int64

	// SystemAdmin marks a user with the system-admin role, which
	// short-circuits to write access everywhere.
	SystemAdmin bool

	// UserOrgIDs lists the organizations the acting user belongs to.
	UserOrgIDs []int64

	// ControllerID is the acting controller, or 0 for none.
	ControllerID int64

	// ControllerOrgID is the organization owning the acting
	// controller, or 0 for none.
	ControllerOrgID int64
}

// Anonymous is the actor for unauthenticated requests. Only Public
// entries apply to it.
var Anonymous = Actor{}

// memberOf reports whether the acting user belongs to orgID.
func (a Actor) memberOf(orgID int64) bool {
	for _, id := range a.UserOrgIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// Evaluate resolves the effective access level of actor against a
// permission entry list. The result is the maximum level across every
// entry whose subject condition the actor satisfies; no entry ever
// lowers access. An organization match is treated as authoritative
// and short-circuits further entries once applied, matching the
// behavior existing deployments depend on.
func Evaluate(entries []Entry, actor Actor) Level {
	if actor.SystemAdmin {
		return LevelWrite
	}

	level := LevelNone
	for _, entry := range entries {
		switch entry.Type {
		case Public:
			level = max(level, entry.Level)

		case OrgUsers:
			if actor.UserID != 0 && actor.memberOf(entry.SubjectID) {
				return max(level, entry.Level)
			}

		case OrgControllers:
			if actor.ControllerID != 0 && actor.ControllerOrgID == entry.SubjectID {
				return max(level, entry.Level)
			}

		case User:
			if actor.UserID != 0 && actor.UserID == entry.SubjectID {
				level = max(level, entry.Level)
			}

		case Controller:
			if actor.ControllerID != 0 && actor.ControllerID == entry.SubjectID {
				level = max(level, entry.Level)
			}
		}
	}
	return level
}

// Merge combines a resource's own entries with inherited ancestor
// entries. Own entries take precedence per (type, subject) key;
// ancestor entries fill in uncovered keys. A nil own list means full
// inheritance and returns inherited unchanged.
func Merge(own, inherited []Entry) []Entry {
	if own == nil {
		return inherited
	}
	covered := make(map[EntryKey]struct{}, len(own))
	merged := make([]Entry, 0, len(own)+len(inherited))
	for _, entry := range own {
		covered[entry.Key()] = struct{}{}
		merged = append(merged, entry)
	}
	for _, entry := range inherited {
		if _, ok := covered[entry.Key()]; !ok {
			merged = append(merged, entry)
		}
	}
	return merged
}
