// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package render derives orchestration artifacts from a stack spec and a
// secret map: the compose document, the reverse-proxy JSON document, and
// one environment file per enabled entity plus the fixed core-service
// environment files.
//
// Rendering is a pure function with no I/O. Identical spec and secrets
// always produce byte-identical artifacts; map iteration is never allowed
// to reach the output, every key set is sorted before serialization. That
// determinism is what makes downstream artifact diffing trustworthy.
//
// Disabled entities produce nothing at all, even when their config holds
// unresolved secret references, so a half-configured channel never blocks
// rendering of the rest of the stack.
package render
