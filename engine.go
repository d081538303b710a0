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

// Package immukv implements an immutable, auditable key-value store layered
// on a versioned S3-compatible object store. A single global log object
// gives a tamper-evident, hash-chained total order; a per-key mirror object
// gives O(1) point reads. Concurrent writers serialize through the
// backend's conditional-put semantics alone; there is no coordinator.
package immukv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/immukv/immukv/store"
	"k8s.io/klog/v2"
)

// clientState is the small amount of mutable, process-local state the log
// engine keeps: the read-only flag, the timestamp of the last opportunistic
// repair pass, and the cached orphan (at most one key can be orphaned at a
// time, per the log's own invariant). It is shared between a Client and any
// view derived from it via WithCodec, since both operate against the same
// backend session and the same log.
type clientState struct {
	mu sync.Mutex

	readOnly        bool
	lastRepairCheck time.Time

	orphanSet        bool
	orphanKey        string
	orphanDTO        logEntryDTO
	orphanLogVersion LogVersion
}

// Client is a generic log-engine handle for values of type V. Construct one
// with New, or derive a differently-typed view of the same backend session
// with WithCodec.
type Client[V any] struct {
	cfg   Config
	store store.Store
	codec Codec[V]

	// cache holds immutable, version-addressed entries (GetByLogVersion, and
	// so the entries LogEntries reads through it). It is never consulted for "latest" reads,
	// which must always reflect the backend's current state.
	cache *readCache[V]

	state *clientState
}

// New constructs a Client backed by a real S3-compatible service, validating
// bucket reachability and that versioning is enabled unless the client is
// read-only.
func New[V any](ctx context.Context, cfg Config, codec Codec[V]) (*Client[V], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	st, err := store.NewS3Store(ctx, store.S3Config{
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		Overrides: cfg.Overrides,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: construct S3 store: %v", ErrConfigurationError, err)
	}
	return NewWithStore(ctx, cfg, codec, st)
}

// NewWithStore constructs a Client over an already-built store.Store, e.g.
// storetest.Store in tests or a store shared with another Client.
func NewWithStore[V any](ctx context.Context, cfg Config, codec Codec[V], st store.Store) (*Client[V], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Client[V]{
		cfg:   cfg,
		store: st,
		codec: codec,
		cache: newReadCache[V](cfg.ReadCacheSize),
		state: &clientState{readOnly: cfg.ReadOnly},
	}
	if !cfg.ReadOnly {
		if err := st.HeadBucket(ctx); err != nil {
			return nil, fmt.Errorf("%w: bucket unreachable: %v", ErrConfigurationError, err)
		}
		enabled, err := st.VersioningEnabled(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: checking bucket versioning: %v", ErrConfigurationError, err)
		}
		if !enabled {
			return nil, fmt.Errorf("%w: bucket versioning must be enabled", ErrConfigurationError)
		}
	}
	return c, nil
}

// WithCodec returns a second Client sharing the same backend session and
// repair/read-only state as c, but decoding values as W instead of V. c
// retains ownership of the underlying store; the returned client must not
// be used to tear it down. The derived client's pre-flight repair pass
// never invokes its own codec on log entries it cannot decode: repair
// always operates on raw bytes (see repairOrphan).
func WithCodec[V, W any](c *Client[V], codec Codec[W]) *Client[W] {
	return &Client[W]{
		cfg:   c.cfg,
		store: c.store,
		codec: codec,
		cache: newReadCache[W](c.cfg.ReadCacheSize),
		state: c.state,
	}
}

// Store returns the object-store adapter this client is built on, so that
// a derived component (e.g. the file extension) can share the same backend
// session instead of opening a second one. The caller must not close or
// otherwise take ownership of it.
func (c *Client[V]) Store() store.Store {
	return c.store
}

// Config returns the configuration this client was constructed with.
func (c *Client[V]) Config() Config {
	return c.cfg
}

func (c *Client[V]) isReadOnly() bool {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.readOnly
}

func (c *Client[V]) setOrphan(dto logEntryDTO, logVersion LogVersion) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.orphanSet = true
	c.state.orphanKey = dto.Key
	c.state.orphanDTO = dto
	c.state.orphanLogVersion = logVersion
}

func (c *Client[V]) clearOrphan(key string) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.orphanSet && c.state.orphanKey == key {
		c.state.orphanSet = false
	}
}

func (c *Client[V]) orphanFor(key string) (logEntryDTO, LogVersion, bool) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.orphanSet && c.state.orphanKey == key {
		return c.state.orphanDTO, c.state.orphanLogVersion, true
	}
	return logEntryDTO{}, "", false
}

func (c *Client[V]) demoteToReadOnly() {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.readOnly = true
}

// Set appends a new entry for key atomically with respect to the log
// object, then makes a best-effort attempt to update key's mirror.
func (c *Client[V]) Set(ctx context.Context, key string, value V) (Entry[V], error) {
	if c.isReadOnly() {
		return Entry[V]{}, ErrReadOnly
	}
	if err := validateKey(key); err != nil {
		return Entry[V]{}, err
	}
	rawValue, err := c.codec.Encode(value)
	if err != nil {
		return Entry[V]{}, fmt.Errorf("encode value for %q: %w", key, err)
	}

	var result Entry[V]
	err = retry.Do(
		func() error {
			entry, err := c.trySet(ctx, key, value, rawValue)
			if err != nil {
				if errors.Is(err, store.ErrPreconditionFailed) {
					return err
				}
				return retry.Unrecoverable(err)
			}
			result = entry
			return nil
		},
		retry.Attempts(uint(c.cfg.retryBudget())),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
	)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, store.ErrPreconditionFailed) {
		return Entry[V]{}, fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, err)
	}
	return Entry[V]{}, err
}

func (c *Client[V]) trySet(ctx context.Context, key string, value V, rawValue []byte) (Entry[V], error) {
	head, logETag, headLogVersion, logExists, err := c.readLogHead(ctx)
	if err != nil {
		return Entry[V]{}, err
	}

	prevSeq := int64(-1)
	prevHash := GenesisHash
	var prevLogVersion *LogVersion
	if logExists {
		prevSeq = int64(head.Sequence)
		prevHash = head.Hash
		v := headLogVersion
		prevLogVersion = &v
		c.repairOrphan(ctx, head, headLogVersion)
	}

	currentKeyETag, keyExists, err := c.headMirror(ctx, key)
	if err != nil {
		return Entry[V]{}, err
	}

	newSeq := uint64(prevSeq + 1)
	timestampMS := time.Now().UnixMilli()
	hash, err := computeHash(newSeq, key, rawValue, timestampMS, prevHash)
	if err != nil {
		return Entry[V]{}, fmt.Errorf("compute hash for %q: %w", key, err)
	}

	dto := logEntryDTO{
		Sequence:     newSeq,
		Key:          key,
		Value:        rawValue,
		TimestampMS:  timestampMS,
		Hash:         hash,
		PreviousHash: prevHash,
	}
	if prevLogVersion != nil {
		s := string(*prevLogVersion)
		dto.PreviousVersionID = &s
	}
	if keyExists {
		s := string(currentKeyETag)
		dto.PreviousKeyObjectETag = &s
	}

	body, err := marshalCanonical(dto)
	if err != nil {
		return Entry[V]{}, fmt.Errorf("marshal log entry for %q: %w", key, err)
	}

	putOpts := store.PutOptions{ContentType: "application/json"}
	if logExists {
		putOpts.IfMatch = logETag
	} else {
		putOpts.IfNoneMatch = true
	}
	if c.cfg.KMSKeyID != "" {
		putOpts.SSEKMSKeyID = c.cfg.KMSKeyID
	}

	res, err := c.store.Put(ctx, c.cfg.logObjectKey(), body, putOpts)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return Entry[V]{}, store.ErrPreconditionFailed
		}
		if errors.Is(err, store.ErrNoVersionID) {
			return Entry[V]{}, fmt.Errorf("%w: log put for %q returned no version id", ErrConfigurationError, key)
		}
		return Entry[V]{}, fmt.Errorf("%w: commit log entry for %q: %v", ErrBackend, key, err)
	}
	if res.VersionID == "" {
		return Entry[V]{}, fmt.Errorf("%w: log put for %q returned no version id", ErrConfigurationError, key)
	}
	logVersion := LogVersion(res.VersionID)

	entry := Entry[V]{
		Sequence:     newSeq,
		Key:          key,
		Value:        value,
		RawValue:     rawValue,
		TimestampMS:  timestampMS,
		Hash:         hash,
		PreviousHash: prevHash,
		LogVersion:   logVersion,
	}

	entry.KeyVersion = c.writeMirrorBestEffort(ctx, dto, logVersion, currentKeyETag, keyExists)
	return entry, nil
}

// writeMirrorBestEffort is phase 2 of set(). Its failure never fails the
// caller's Set: the entry is already durable in the log, and either a
// future write or the next repair pass will reconcile the mirror. It
// returns the mirror's resulting KeyVersion, or "" if phase 2 did not
// succeed.
func (c *Client[V]) writeMirrorBestEffort(ctx context.Context, dto logEntryDTO, logVersion LogVersion, currentKeyETag store.ETag, keyExists bool) KeyVersion {
	mirror := keyMirrorDTO{
		Sequence:     dto.Sequence,
		Key:          dto.Key,
		Value:        dto.Value,
		TimestampMS:  dto.TimestampMS,
		LogVersionID: string(logVersion),
		Hash:         dto.Hash,
		PreviousHash: dto.PreviousHash,
	}
	body, err := marshalCanonical(mirror)
	if err != nil {
		klog.Warningf("immukv: marshal mirror for %q failed, leaving orphaned: %v", dto.Key, err)
		c.setOrphan(dto, logVersion)
		return ""
	}

	opts := store.PutOptions{ContentType: "application/json"}
	if keyExists {
		opts.IfMatch = currentKeyETag
	} else {
		opts.IfNoneMatch = true
	}
	if c.cfg.KMSKeyID != "" {
		opts.SSEKMSKeyID = c.cfg.KMSKeyID
	}

	res, err := c.store.Put(ctx, c.cfg.keyMirrorPath(dto.Key), body, opts)
	if err != nil {
		klog.Warningf("immukv: mirror update for %q failed, will be repaired: %v", dto.Key, err)
		c.setOrphan(dto, logVersion)
		return ""
	}
	c.clearOrphan(dto.Key)
	return KeyVersion(res.VersionID)
}

// repairOrphan attempts to bring key's mirror into line with head, the
// current log head entry. It never invokes the user codec: the mirror body
// is built directly from head's raw value bytes, so a repair pass can never
// be corrupted by a codec that cannot decode the head entry (see WithCodec).
func (c *Client[V]) repairOrphan(ctx context.Context, head logEntryDTO, headLogVersion LogVersion) {
	if c.isReadOnly() {
		c.setOrphan(head, headLogVersion)
		return
	}

	mirror := keyMirrorDTO{
		Sequence:     head.Sequence,
		Key:          head.Key,
		Value:        head.Value,
		TimestampMS:  head.TimestampMS,
		LogVersionID: string(headLogVersion),
		Hash:         head.Hash,
		PreviousHash: head.PreviousHash,
	}
	body, err := marshalCanonical(mirror)
	if err != nil {
		klog.Warningf("immukv: repair pass: marshal mirror for %q failed: %v", head.Key, err)
		return
	}

	opts := store.PutOptions{ContentType: "application/json"}
	if head.PreviousKeyObjectETag != nil {
		opts.IfMatch = store.ETag(*head.PreviousKeyObjectETag)
	} else {
		opts.IfNoneMatch = true
	}
	if c.cfg.KMSKeyID != "" {
		opts.SSEKMSKeyID = c.cfg.KMSKeyID
	}

	_, err = c.store.Put(ctx, c.cfg.keyMirrorPath(head.Key), body, opts)
	switch {
	case err == nil:
		c.clearOrphan(head.Key)
	case errors.Is(err, store.ErrPreconditionFailed):
		// Another writer or repair pass already reconciled the mirror.
		c.clearOrphan(head.Key)
	case errors.Is(err, store.ErrAccessDenied):
		c.demoteToReadOnly()
		c.setOrphan(head, headLogVersion)
	default:
		klog.Warningf("immukv: repair pass for %q failed: %v", head.Key, err)
	}
}

func (c *Client[V]) maybeRunRepairPass(ctx context.Context) {
	c.state.mu.Lock()
	readOnly := c.state.readOnly
	due := time.Since(c.state.lastRepairCheck) >= c.cfg.repairCheckInterval()
	if due {
		c.state.lastRepairCheck = time.Now()
	}
	c.state.mu.Unlock()
	if readOnly || !due {
		return
	}

	head, _, logVersion, exists, err := c.readLogHead(ctx)
	if err != nil {
		klog.Warningf("immukv: repair pass: read log head failed: %v", err)
		return
	}
	if !exists {
		return
	}
	c.repairOrphan(ctx, head, logVersion)
}

func (c *Client[V]) readLogHead(ctx context.Context) (dto logEntryDTO, etag store.ETag, version LogVersion, exists bool, err error) {
	obj, getErr := c.store.Get(ctx, c.cfg.logObjectKey(), "")
	if errors.Is(getErr, store.ErrNotFound) {
		return logEntryDTO{}, "", "", false, nil
	}
	if getErr != nil {
		return logEntryDTO{}, "", "", false, fmt.Errorf("%w: read log head: %v", ErrBackend, getErr)
	}
	if jsonErr := json.Unmarshal(obj.Body, &dto); jsonErr != nil {
		return logEntryDTO{}, "", "", false, fmt.Errorf("%w: decode log head: %v", ErrIntegrityError, jsonErr)
	}
	return dto, obj.ETag, LogVersion(obj.VersionID), true, nil
}

func (c *Client[V]) headMirror(ctx context.Context, key string) (store.ETag, bool, error) {
	etag, _, err := c.store.Head(ctx, c.cfg.keyMirrorPath(key))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: head mirror for %q: %v", ErrBackend, key, err)
	}
	return etag, true, nil
}

// CheckOrphan is an introspection API: it reports whether key is the
// client's currently cached orphan (the latest log entry for key not yet
// reflected in key's mirror), without attempting repair or any I/O. Get and
// History never return ErrOrphaned themselves; this is the only place that
// name surfaces.
func (c *Client[V]) CheckOrphan(key string) error {
	if _, _, ok := c.orphanFor(key); ok {
		return ErrOrphaned
	}
	return nil
}

// Get returns the latest entry for key. Unless the client is read-only, it
// may first run an opportunistic repair pass if the configured interval has
// elapsed.
func (c *Client[V]) Get(ctx context.Context, key string) (Entry[V], error) {
	c.maybeRunRepairPass(ctx)

	obj, err := c.store.Get(ctx, c.cfg.keyMirrorPath(key), "")
	if err == nil {
		var dto keyMirrorDTO
		if jsonErr := json.Unmarshal(obj.Body, &dto); jsonErr != nil {
			return Entry[V]{}, fmt.Errorf("%w: decode mirror for %q: %v", ErrIntegrityError, key, jsonErr)
		}
		return entryFromMirrorDTO(dto, c.codec, KeyVersion(obj.VersionID))
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Entry[V]{}, fmt.Errorf("%w: get mirror for %q: %v", ErrBackend, key, err)
	}

	dto, logVersion, ok := c.orphanFor(key)
	if ok && c.isReadOnly() {
		return entryFromLogDTO(dto, c.codec, logVersion)
	}
	return Entry[V]{}, ErrNotFound
}

// GetByLogVersion returns a specific historical log entry by its backend
// version id. Results are cached: log entries are immutable once written.
func (c *Client[V]) GetByLogVersion(ctx context.Context, v LogVersion) (Entry[V], error) {
	if e, ok := c.cache.get(string(v)); ok {
		return e, nil
	}
	obj, err := c.store.Get(ctx, c.cfg.logObjectKey(), v.storeVersion())
	if errors.Is(err, store.ErrNotFound) {
		return Entry[V]{}, ErrNotFound
	}
	if err != nil {
		return Entry[V]{}, fmt.Errorf("%w: get log version %q: %v", ErrBackend, v, err)
	}
	var dto logEntryDTO
	if err := json.Unmarshal(obj.Body, &dto); err != nil {
		return Entry[V]{}, fmt.Errorf("%w: decode log entry %q: %v", ErrIntegrityError, v, err)
	}
	entry, err := entryFromLogDTO(dto, c.codec, v)
	if err != nil {
		return Entry[V]{}, err
	}
	c.cache.put(string(v), entry)
	return entry, nil
}

// GetByKeyVersion returns a specific historical entry for key by the mirror
// object's backend version id, e.g. to resolve a version id surfaced by an
// earlier History call. Mirror versions are immutable once written.
func (c *Client[V]) GetByKeyVersion(ctx context.Context, key string, v KeyVersion) (Entry[V], error) {
	obj, err := c.store.Get(ctx, c.cfg.keyMirrorPath(key), v.storeVersion())
	if errors.Is(err, store.ErrNotFound) {
		return Entry[V]{}, ErrNotFound
	}
	if err != nil {
		return Entry[V]{}, fmt.Errorf("%w: get key version %q for %q: %v", ErrBackend, v, key, err)
	}
	var dto keyMirrorDTO
	if err := json.Unmarshal(obj.Body, &dto); err != nil {
		return Entry[V]{}, fmt.Errorf("%w: decode entry %q: %v", ErrIntegrityError, v, err)
	}
	return entryFromMirrorDTO(dto, c.codec, v)
}

// History returns up to limit entries for key, newest first, optionally
// starting strictly before a previously returned cursor. The returned
// cursor, if non-nil, can be passed back in to fetch the next page.
func (c *Client[V]) History(ctx context.Context, key string, before *KeyVersion, limit int) ([]Entry[V], *KeyVersion, error) {
	var orphanEntry *Entry[V]
	if before == nil {
		if dto, logVersion, ok := c.orphanFor(key); ok {
			if e, err := entryFromLogDTO(dto, c.codec, logVersion); err == nil {
				orphanEntry = &e
			}
		}
	}

	mirrorPath := c.cfg.keyMirrorPath(key)
	opts := store.ListVersionsOptions{MaxKeys: limit}
	if before != nil {
		opts.KeyMarker = mirrorPath
		opts.VersionIDMarker = before.storeVersion()
	}
	page, err := c.store.ListVersions(ctx, mirrorPath, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: list history for %q: %v", ErrBackend, key, err)
	}

	// mirrorEntries holds only entries sourced from the mirror's version
	// history; the orphan (if any) is prepended afterwards. Keeping them
	// separate means the pagination cursor is always derived from a real
	// mirror version, never the orphan's zero-value KeyVersion.
	var mirrorEntries []Entry[V]
	truncated := page.Truncated
	for _, v := range page.Versions {
		if v.Key != mirrorPath {
			continue
		}
		if limit > 0 && len(mirrorEntries) >= limit {
			truncated = true
			break
		}
		obj, err := c.store.Get(ctx, mirrorPath, v.VersionID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: get history version for %q: %v", ErrBackend, key, err)
		}
		var dto keyMirrorDTO
		if err := json.Unmarshal(obj.Body, &dto); err != nil {
			return nil, nil, fmt.Errorf("%w: decode history entry for %q: %v", ErrIntegrityError, key, err)
		}
		entry, err := entryFromMirrorDTO(dto, c.codec, KeyVersion(v.VersionID))
		if err != nil {
			return nil, nil, err
		}
		mirrorEntries = append(mirrorEntries, entry)
	}

	var next *KeyVersion
	if truncated && len(mirrorEntries) > 0 {
		v := mirrorEntries[len(mirrorEntries)-1].KeyVersion
		next = &v
	}

	entries := mirrorEntries
	if orphanEntry != nil {
		entries = append([]Entry[V]{*orphanEntry}, mirrorEntries...)
	}
	return entries, next, nil
}

// LogEntries returns up to limit entries from the global log, newest first.
func (c *Client[V]) LogEntries(ctx context.Context, before *LogVersion, limit int) ([]Entry[V], error) {
	logPath := c.cfg.logObjectKey()
	opts := store.ListVersionsOptions{MaxKeys: limit}
	if before != nil {
		opts.KeyMarker = logPath
		opts.VersionIDMarker = before.storeVersion()
	}
	page, err := c.store.ListVersions(ctx, logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: list log entries: %v", ErrBackend, err)
	}

	var entries []Entry[V]
	for _, v := range page.Versions {
		if v.Key != logPath {
			continue
		}
		if limit > 0 && len(entries) >= limit {
			break
		}
		entry, err := c.GetByLogVersion(ctx, LogVersion(v.VersionID))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListKeys returns up to limit keys whose mirrors exist under prefix,
// ascending, optionally starting strictly after after.
func (c *Client[V]) ListKeys(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	mirrorPrefix := c.cfg.keyMirrorPrefix()
	fullPrefix := mirrorPrefix + prefix
	opts := store.ListPrefixOptions{MaxKeys: limit}
	if after != "" {
		opts.StartAfter = c.cfg.keyMirrorPath(after)
	}
	page, err := c.store.ListPrefix(ctx, fullPrefix, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrBackend, err)
	}

	var keys []string
	for _, k := range page.Keys {
		if !strings.HasPrefix(k, mirrorPrefix) || !strings.HasSuffix(k, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(k, mirrorPrefix), ".json"))
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

// Verify recomputes e's hash and reports whether it matches e.Hash. It is a
// pure function: no I/O.
func (c *Client[V]) Verify(e Entry[V]) bool {
	return verifyHash(e.Sequence, e.Key, e.RawValue, e.TimestampMS, e.PreviousHash, e.Hash)
}

// VerifyChain walks the log newest-to-oldest, verifying up to limit entries
// (all of them if limit <= 0), checking both each entry's own hash and the
// previous_hash linkage between adjacent entries.
func (c *Client[V]) VerifyChain(ctx context.Context, limit int) (bool, error) {
	head, _, _, exists, err := c.readLogHead(ctx)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}

	cur := head
	count := 0
	for {
		if !verifyHash(cur.Sequence, cur.Key, cur.Value, cur.TimestampMS, cur.PreviousHash, cur.Hash) {
			return false, nil
		}
		count++
		if limit > 0 && count >= limit {
			return true, nil
		}
		if cur.PreviousHash == GenesisHash {
			return true, nil
		}
		if cur.PreviousVersionID == nil {
			return false, nil
		}

		prevVersion := LogVersion(*cur.PreviousVersionID)
		obj, err := c.store.Get(ctx, c.cfg.logObjectKey(), prevVersion.storeVersion())
		if err != nil {
			return false, fmt.Errorf("%w: verify chain: %v", ErrBackend, err)
		}
		var prevDTO logEntryDTO
		if err := json.Unmarshal(obj.Body, &prevDTO); err != nil {
			return false, fmt.Errorf("%w: verify chain: decode: %v", ErrIntegrityError, err)
		}
		if prevDTO.Hash != cur.PreviousHash {
			return false, nil
		}
		cur = prevDTO
	}
}
