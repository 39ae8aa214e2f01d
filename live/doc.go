// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package live is the WebSocket endpoint controllers and browsers keep
// open. The wire protocol is JSON frames of the shape
//
//	{"type": "...", "parameters": {...}}
//
// in both directions. A handful of types are interpreted by the server
// (subscribe, watchdog, ping, update_sequence, write_resource,
// send_email, send_text_message); anything else is treated as an
// application command and enqueued for fan-out to the target folder's
// subscribers, which is how a dashboard tells a device to flip a relay.
//
// Connections authenticate during the HTTP upgrade with basic auth:
// an API key in the password position, or a user name and password.
package live
