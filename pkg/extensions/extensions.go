// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable surfaces of the settlement
// engine.
//
// The open source build ships permissive defaults (Nop* types) that let
// a single-operator deployment run with no external infrastructure.
// Hosted deployments swap in real implementations: a resolver backed by
// their session store, an auditor backed by their compliance pipeline.
// The engine core never imports those; it only sees these interfaces.
package extensions
