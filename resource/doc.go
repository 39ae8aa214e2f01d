// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource implements the hierarchical resource tree: folders,
// organizations, controllers, files, sequences, and apps, addressed by
// slash-separated paths. The tree is the backbone of the system — every
// other store hangs its data off a resource id.
//
// Permissions live on resources as grant lists and flow down the tree:
// a resource with a nil list inherits its parent's effective
// permissions, and a non-nil list overrides inherited entries per
// (grant type, subject) pair. See the access package for evaluation.
//
// The package also owns the identity tables (users, organization
// memberships, API keys, pairing PINs) and the controller status side
// table, since authorization and the tree are not separable: an API
// key resolves to an actor whose reach is defined by tree permissions.
package resource
