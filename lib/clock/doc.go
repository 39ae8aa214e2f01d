// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects [Real]; tests inject [Fake] and advance it deterministically.
//
// Sequence throttling, message retention, watchdog sweeps, and the
// fan-out polling loop all make time-based decisions. Every component
// that would otherwise call time.Now, time.After, time.NewTicker, or
// time.Sleep takes a Clock in its config instead, so tests can drive
// those decisions without real waiting.
package clock
