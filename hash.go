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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash is a content hash in the chain, always of the form "sha256:<hex64>",
// except for the genesis sentinel.
type Hash string

// GenesisHash is the previous_hash value of the first log entry.
const GenesisHash Hash = "sha256:genesis"

// hashFields is the exact, ordered field set that participates in an entry's
// hash. version_id, previous_log_version, hash itself, and previous_key_etag
// are deliberately excluded: they are infrastructure, not content.
type hashFields struct {
	Sequence     uint64 `json:"sequence"`
	Key          string `json:"key"`
	Value        any    `json:"value"`
	TimestampMS  int64  `json:"timestamp_ms"`
	PreviousHash Hash   `json:"previous_hash"`
}

// computeHash returns the canonical hash of an entry given its raw (already
// user-codec-encoded) value bytes. rawValue must be valid JSON; it is
// decoded and re-rendered through canonicalJSON together with the other
// hashed fields, the same canonical form marshalCanonical gives the value in
// every stored body, so the hash does not depend on the key order or
// escaping of rawValue itself.
func computeHash(sequence uint64, key string, rawValue []byte, timestampMS int64, previousHash Hash) (Hash, error) {
	var value any
	dec := json.NewDecoder(bytes.NewReader(rawValue))
	// UseNumber mirrors canonicalJSON's own decode: without it, an
	// integer wider than float64's mantissa would already be rounded
	// here, before canonicalJSON even runs.
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return "", fmt.Errorf("compute hash: decode raw value: %w", err)
	}
	fields := hashFields{
		Sequence:     sequence,
		Key:          key,
		Value:        value,
		TimestampMS:  timestampMS,
		PreviousHash: previousHash,
	}
	canon, err := canonicalJSON(fields)
	if err != nil {
		return "", fmt.Errorf("compute hash: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return Hash("sha256:" + hex.EncodeToString(sum[:])), nil
}

// verifyHash recomputes an entry's hash and reports whether it matches want.
func verifyHash(sequence uint64, key string, rawValue []byte, timestampMS int64, previousHash Hash, want Hash) bool {
	got, err := computeHash(sequence, key, rawValue, timestampMS, previousHash)
	if err != nil {
		return false
	}
	return got == want
}
