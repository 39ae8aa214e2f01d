// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the REST surface over the resource tree. Resources
// are addressed by path under /api/v1/resources/; query parameters
// select metadata, revision history, or a zip download of a folder
// subtree. A batch endpoint at /api/v1/sequences lets a controller
// report many sequence values in one request with clock-drift
// correction.
//
// Requests authenticate with basic auth the same way live connections
// do: an API key in the password position, or a user name and
// password. Unauthenticated requests proceed as the anonymous actor,
// which only reaches resources with a public grant.
//
// Read failures are reported as not-found even when the real cause is
// a permission denial, so probing cannot distinguish a hidden resource
// from a missing one. Write failures report forbidden honestly.
package api
