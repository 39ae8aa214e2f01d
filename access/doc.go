// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package access implements the permission model for the resource
// tree. A resource carries a list of permission entries (or inherits
// its parent's); each entry grants a level (read or write) to a
// subject class: everyone, an organization's users, an organization's
// controllers, a single user, or a single controller.
//
// [Evaluate] resolves the effective level for an actor against an
// entry list. It is a pure function over its inputs — the actor
// carries its own organization memberships, resolved once per request
// by the caller — so it is safe to call repeatedly and cache.
//
// Levels combine by maximum: an entry can never lower access, and an
// actor matching no entry gets [LevelNone].
package access
