// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package stackspec owns the declarative stack specification and the secrets
store backing it.

# Overview

The package contains three cooperating pieces:

  - StackSpec: the single source of desired state (enabled channels and
    services, exposure tiers, per-entity configuration). Persisted as YAML
    at <stateRoot>/stack.yaml and mutated only through Store.SetSpec, which
    replaces the whole document.
  - Secrets store: a flat name -> value map persisted separately at
    <stateRoot>/secrets.yaml (mode 0600). Secret values never appear inside
    the spec document; entities reference them with ${NAME} tokens.
  - Store: the only component that reads or writes either file. It caches
    parsed documents keyed by content hash, invalidates the cache on every
    mutation and on fsnotify events, and holds the raw secrets bytes in a
    memguard enclave between resolutions.

# Secret References

Configuration values may embed ${NAME} tokens where NAME matches
^[A-Z][A-Z0-9_]*$. ValidateReferencedSecrets walks every *enabled* entity
and reports one token per unresolved reference in the deterministic form

	missing_secret_reference_<entity>_<key>_<name>

Disabled entities are never validated and never block a render.

# In-Use Protection

A secret referenced by any enabled entity, or listed in CoreRequiredSecrets,
cannot be deleted. Deletion attempts fail with ErrSecretInUse.

# Thread Safety

Store is safe for concurrent use within a single process. It assumes a
single writer process per state root; cross-process serialization is the
apply lock's job, not this package's.
*/
package stackspec
