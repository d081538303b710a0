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
	"encoding/json"
	"fmt"

	"github.com/immukv/immukv/store"
)

// LogVersion is the backend version id of a log entry. It is a distinct
// type from KeyVersion so the two cannot be mixed up at compile time even
// though both wrap a store.VersionID underneath.
type LogVersion string

// KeyVersion is the backend version id of a key-mirror object.
type KeyVersion string

func (v LogVersion) storeVersion() store.VersionID { return store.VersionID(v) }
func (v KeyVersion) storeVersion() store.VersionID { return store.VersionID(v) }

// Codec converts between a user value type V and the raw JSON bytes stored
// in the log and mirror. Decode must be the exact inverse of Encode for
// every value Encode can produce; internal paths that move bytes without
// interpreting them (orphan repair, chain verification) never call either
// function, operating on RawValue instead.
type Codec[V any] struct {
	Encode func(V) ([]byte, error)
	Decode func([]byte) (V, error)
}

// JSONCodec returns the obvious Codec built from encoding/json, suitable for
// any V that round-trips through json.Marshal/Unmarshal.
func JSONCodec[V any]() Codec[V] {
	return Codec[V]{
		Encode: func(v V) ([]byte, error) { return json.Marshal(v) },
		Decode: func(b []byte) (V, error) {
			var v V
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
}

// Entry is the decoded, user-facing view of one log entry.
type Entry[V any] struct {
	Sequence     uint64
	Key          string
	Value        V
	RawValue     json.RawMessage
	TimestampMS  int64
	Hash         Hash
	PreviousHash Hash
	LogVersion   LogVersion

	// KeyVersion is the mirror's version id, set only when the Entry was
	// obtained via a path that also touched the mirror (Set's phase 2,
	// History). Empty otherwise.
	KeyVersion KeyVersion
}

// logEntryDTO is the wire representation of _log.json's body: the fields in
// §6 of the data model, in the order a human reading a dump would expect.
// previous_version_id and previous_key_object_etag are pointers so they are
// omitted entirely (never emitted as null) when absent, matching the
// canonical-JSON contract.
type logEntryDTO struct {
	Sequence               uint64          `json:"sequence"`
	Key                     string          `json:"key"`
	Value                   json.RawMessage `json:"value"`
	TimestampMS             int64           `json:"timestamp_ms"`
	Hash                    Hash            `json:"hash"`
	PreviousHash            Hash            `json:"previous_hash"`
	PreviousVersionID       *string         `json:"previous_version_id,omitempty"`
	PreviousKeyObjectETag   *string         `json:"previous_key_object_etag,omitempty"`
}

// keyMirrorDTO is the wire representation of keys/<key>.json. It
// deliberately omits previous_version_id and previous_key_object_etag:
// those are log-internal bookkeeping, irrelevant to a point read.
type keyMirrorDTO struct {
	Sequence     uint64          `json:"sequence"`
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	TimestampMS  int64           `json:"timestamp_ms"`
	LogVersionID string          `json:"log_version_id"`
	Hash         Hash            `json:"hash"`
	PreviousHash Hash            `json:"previous_hash"`
}

func marshalCanonical(v any) ([]byte, error) {
	canon, err := canonicalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical: %w", err)
	}
	return canon, nil
}

func entryFromLogDTO[V any](dto logEntryDTO, codec Codec[V], logVersion LogVersion) (Entry[V], error) {
	value, err := codec.Decode(dto.Value)
	if err != nil {
		return Entry[V]{}, fmt.Errorf("decode log entry value: %w", err)
	}
	return Entry[V]{
		Sequence:     dto.Sequence,
		Key:          dto.Key,
		Value:        value,
		RawValue:     dto.Value,
		TimestampMS:  dto.TimestampMS,
		Hash:         dto.Hash,
		PreviousHash: dto.PreviousHash,
		LogVersion:   logVersion,
	}, nil
}

func entryFromMirrorDTO[V any](dto keyMirrorDTO, codec Codec[V], keyVersion KeyVersion) (Entry[V], error) {
	value, err := codec.Decode(dto.Value)
	if err != nil {
		return Entry[V]{}, fmt.Errorf("decode mirror value: %w", err)
	}
	return Entry[V]{
		Sequence:     dto.Sequence,
		Key:          dto.Key,
		Value:        value,
		RawValue:     dto.Value,
		TimestampMS:  dto.TimestampMS,
		Hash:         dto.Hash,
		PreviousHash: dto.PreviousHash,
		LogVersion:   LogVersion(dto.LogVersionID),
		KeyVersion:   keyVersion,
	}, nil
}
