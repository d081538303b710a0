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

import (
	"fmt"
	"strings"
	"time"

	"github.com/immukv/immukv/store"
)

// defaultRepairCheckInterval matches the source system's 300000ms default.
const defaultRepairCheckInterval = 300 * time.Second

// defaultRetryBudget bounds the optimistic-locking retry loop on both the
// log put and, transitively, the file extension's metadata write.
const defaultRetryBudget = 10

// Config configures a Client. Bucket, Region, and Prefix are required;
// Prefix must end with "/".
type Config struct {
	Bucket string
	Region string
	Prefix string

	// KMSKeyID, when set, requests server-side encryption with this KMS key
	// on every put the client issues.
	KMSKeyID string

	// RepairCheckInterval bounds how often Get opportunistically runs an
	// orphan-repair pass. Zero selects the default (5 minutes).
	RepairCheckInterval time.Duration

	// ReadOnly disables all writes and repair attempts from construction.
	ReadOnly bool

	// Overrides customizes the underlying S3 client, primarily for
	// S3-compatible services and tests.
	Overrides *store.Overrides

	// ReadCacheSize, when positive, enables a read-through LRU cache of
	// that many decoded, version-addressed entries in front of
	// GetByLogVersion (used internally by LogEntries, and directly by
	// repeated historical lookups of the same version). Zero disables
	// caching. Get is never served from this cache: "latest" reads must
	// always reflect the backend's current state, and the cache is never
	// consulted to make a trust decision — it only saves a round trip on
	// a cache hit of an already-verified, immutable entry.
	ReadCacheSize int

	// RetryBudget bounds the optimistic-locking retry loop. Zero selects
	// the default of 10.
	RetryBudget int
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrConfigurationError)
	}
	if c.Region == "" {
		return fmt.Errorf("%w: region is required", ErrConfigurationError)
	}
	if c.Prefix == "" {
		return fmt.Errorf("%w: prefix is required", ErrConfigurationError)
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		return fmt.Errorf("%w: prefix %q must end with \"/\"", ErrConfigurationError, c.Prefix)
	}
	return nil
}

func (c Config) repairCheckInterval() time.Duration {
	if c.RepairCheckInterval > 0 {
		return c.RepairCheckInterval
	}
	return defaultRepairCheckInterval
}

func (c Config) retryBudget() int {
	if c.RetryBudget > 0 {
		return c.RetryBudget
	}
	return defaultRetryBudget
}

func (c Config) logObjectKey() string {
	return c.Prefix + "_log.json"
}

// validateKey rejects keys that could let the mirror path escape the
// keys/ prefix once concatenated, e.g. onto the log object itself.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrConfigurationError)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("%w: key %q must not contain \"..\"", ErrConfigurationError, key)
	}
	return nil
}

func (c Config) keyMirrorPath(key string) string {
	return c.Prefix + "keys/" + key + ".json"
}

func (c Config) keyMirrorPrefix() string {
	return c.Prefix + "keys/"
}
