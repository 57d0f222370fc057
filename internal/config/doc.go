// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the tether process configuration.
//
// Precedence is ENV (TETHER_*) > YAML file > defaults. The file is parsed
// strictly: unknown keys and multiple documents are rejected. A Holder keeps
// the active configuration and reloads it when the file changes.
package config
