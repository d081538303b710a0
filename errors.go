// Copyright 2024 The immukv authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package immukv

import "errors"

// Sentinel errors returned at the client boundary. Callers should compare
// with errors.Is. An underlying backend error is included in the message
// text only; it is not wrapped, so errors.Unwrap does not reach it.
var (
	// ErrNotFound is returned when a key, log version, or key version has
	// no corresponding entry and no orphan fallback applies.
	ErrNotFound = errors.New("immukv: not found")

	// ErrReadOnly is returned by Set when the client is configured or has
	// been demoted to read-only.
	ErrReadOnly = errors.New("immukv: client is read-only")

	// ErrRetryBudgetExhausted is returned when the optimistic-locking retry
	// loop failed to commit within its bounded budget.
	ErrRetryBudgetExhausted = errors.New("immukv: retry budget exhausted")

	// ErrConfigurationError is returned when the backend cannot support the
	// log engine's invariants, e.g. bucket versioning is disabled or a put
	// response is missing a version id.
	ErrConfigurationError = errors.New("immukv: configuration error")

	// ErrIntegrityError is returned when a stored log or mirror body cannot
	// be decoded. Hash and content-digest mismatches are not reported with
	// it: Verify, VerifyChain and the file extension's VerifyFile return
	// false for those.
	ErrIntegrityError = errors.New("immukv: integrity error")

	// ErrFileDeleted is returned by the file extension when an active read
	// targets a tombstoned key.
	ErrFileDeleted = errors.New("immukv: file is deleted")

	// ErrOrphaned names the condition where the latest log entry for a key
	// has not yet been reflected in its mirror. It is only surfaced by
	// introspection APIs; Get/History never return it directly.
	ErrOrphaned = errors.New("immukv: entry is orphaned")

	// ErrBackend wraps an otherwise-unclassified error from the object
	// store adapter.
	ErrBackend = errors.New("immukv: backend error")
)
