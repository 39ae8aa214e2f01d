// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for rhizo-server.
//
// Configuration is loaded from a single YAML file specified by:
//   - the RHIZO_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This keeps
// configuration deterministic and auditable with no hidden overrides.
//
// The file may contain environment-specific sections (development,
// production) that override base values when the environment matches.
package config
