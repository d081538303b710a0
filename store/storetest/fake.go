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

// Package storetest provides an in-memory fake implementing store.Store,
// used by unit tests that need real conditional-write and versioning
// semantics without talking to an actual S3-compatible service.
package storetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/immukv/immukv/store"
)

type version struct {
	body      []byte
	etag      store.ETag
	versionID store.VersionID
	deleted   bool
}

// Store is an in-memory store.Store. It enforces IfMatch/IfNoneMatch the
// same way a versioned S3 bucket does: every put creates a new version, and
// the ETag of the newest version is what IfMatch is compared against (when
// the newest version is a delete marker, no IfMatch succeeds).
type Store struct {
	mu                    sync.Mutex
	objects               map[string][]*version
	nextVersion           uint64
	versioningOn          bool
	bucketReachable       bool
	forcedPutErr          error
	forcedPutErrKeyPrefix string
	lastPutOpts           map[string]store.PutOptions
}

// New returns an empty fake store with versioning enabled.
func New() *Store {
	return &Store{
		objects:         make(map[string][]*version),
		versioningOn:    true,
		bucketReachable: true,
		lastPutOpts:     make(map[string]store.PutOptions),
	}
}

// LastPutOptions returns the PutOptions passed to the most recent
// successful Put/PutStream call for key, so tests can assert on options
// (e.g. SSEKMSKeyID) that have no other observable effect on the fake.
func (s *Store) LastPutOptions(key string) (store.PutOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts, ok := s.lastPutOpts[key]
	return opts, ok
}

// SetVersioningEnabled lets tests simulate an unversioned bucket.
func (s *Store) SetVersioningEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versioningOn = on
}

// SetBucketReachable lets tests simulate HeadBucket failures.
func (s *Store) SetBucketReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketReachable = ok
}

// ForcePutError makes every subsequent Put/PutStream call fail with err,
// until cleared by passing nil.
func (s *Store) ForcePutError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedPutErr = err
	s.forcedPutErrKeyPrefix = ""
}

// ForcePutErrorForKeyPrefix makes every subsequent Put/PutStream call whose
// key has the given prefix (any key, if prefix is empty) fail with err, until
// cleared by passing a nil err. Used to simulate a phase-2 (mirror-only) failure without also
// failing the phase-1 log commit.
func (s *Store) ForcePutErrorForKeyPrefix(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedPutErr = err
	s.forcedPutErrKeyPrefix = prefix
}

func (s *Store) newVersionID() store.VersionID {
	s.nextVersion++
	return store.VersionID(fmt.Sprintf("v%d", s.nextVersion))
}

func latest(versions []*version) *version {
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

func (s *Store) Get(ctx context.Context, key string, v store.VersionID) (store.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ver, err := s.findVersionLocked(key, v)
	if err != nil {
		return store.Object{}, err
	}
	if ver.deleted {
		return store.Object{}, store.ErrNotFound
	}
	body := make([]byte, len(ver.body))
	copy(body, ver.body)
	return store.Object{Body: body, ETag: ver.etag, VersionID: ver.versionID}, nil
}

func (s *Store) GetStream(ctx context.Context, key string, v store.VersionID) (io.ReadCloser, store.ETag, store.VersionID, error) {
	obj, err := s.Get(ctx, key, v)
	if err != nil {
		return nil, "", "", err
	}
	return io.NopCloser(bytes.NewReader(obj.Body)), obj.ETag, obj.VersionID, nil
}

func (s *Store) findVersionLocked(key string, v store.VersionID) (*version, error) {
	versions, ok := s.objects[key]
	if !ok || len(versions) == 0 {
		return nil, store.ErrNotFound
	}
	if v == "" {
		return latest(versions), nil
	}
	for _, ver := range versions {
		if ver.versionID == v {
			return ver, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Put(ctx context.Context, key string, body []byte, opts store.PutOptions) (store.PutResult, error) {
	return s.put(key, body, opts)
}

func (s *Store) PutStream(ctx context.Context, key string, body io.Reader, length int64, opts store.PutOptions) (store.PutResult, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return store.PutResult{}, err
	}
	return s.put(key, b, opts)
}

func (s *Store) put(key string, body []byte, opts store.PutOptions) (store.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forcedPutErr != nil && (s.forcedPutErrKeyPrefix == "" || hasPrefix(key, s.forcedPutErrKeyPrefix)) {
		return store.PutResult{}, s.forcedPutErr
	}

	cur := latest(s.objects[key])
	var curETag store.ETag
	exists := cur != nil && !cur.deleted
	if exists {
		curETag = cur.etag
	}

	if opts.IfNoneMatch && exists {
		return store.PutResult{}, store.ErrPreconditionFailed
	}
	if opts.IfMatch != "" && opts.IfMatch != curETag {
		return store.PutResult{}, store.ErrPreconditionFailed
	}
	if opts.IfMatch == "" && !opts.IfNoneMatch && exists {
		// Unconditional overwrite of an existing object is allowed, matching
		// S3 PutObject semantics when no precondition header is set.
	}

	etag := store.ETag(fmt.Sprintf("\"%x\"", md5.Sum(body)))
	v := &version{body: append([]byte(nil), body...), etag: etag, versionID: s.newVersionID()}
	if !s.versioningOn {
		v.versionID = ""
	}
	s.objects[key] = append(s.objects[key], v)
	s.lastPutOpts[key] = opts

	if !s.versioningOn {
		return store.PutResult{ETag: v.etag}, nil
	}
	return store.PutResult{ETag: v.etag, VersionID: v.versionID}, nil
}

func (s *Store) Head(ctx context.Context, key string) (store.ETag, store.VersionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := latest(s.objects[key])
	if cur == nil || cur.deleted {
		return "", "", store.ErrNotFound
	}
	return cur.etag, cur.versionID, nil
}

func (s *Store) ListVersions(ctx context.Context, prefix string, opts store.ListVersionsOptions) (store.ListVersionsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type kv struct {
		key string
		v   *version
	}
	var all []kv
	for key, versions := range s.objects {
		if !hasPrefix(key, prefix) {
			continue
		}
		for i := len(versions) - 1; i >= 0; i-- {
			all = append(all, kv{key, versions[i]})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].key != all[j].key {
			return all[i].key < all[j].key
		}
		return all[i].v.versionID > all[j].v.versionID
	})

	page := store.ListVersionsPage{}
	// Like S3, resume strictly after (KeyMarker, VersionIDMarker); a
	// KeyMarker without a VersionIDMarker resumes after that key.
	skipping := opts.KeyMarker != ""
	for _, e := range all {
		if skipping {
			if e.key < opts.KeyMarker || (e.key == opts.KeyMarker && opts.VersionIDMarker == "") {
				continue
			}
			if e.key == opts.KeyMarker {
				skipping = e.v.versionID != opts.VersionIDMarker
				continue
			}
			skipping = false
		}
		page.Versions = append(page.Versions, store.VersionInfo{
			Key:       e.key,
			VersionID: e.v.versionID,
			IsLatest:  latest(s.objects[e.key]) == e.v,
		})
	}
	return page, nil
}

func (s *Store) ListPrefix(ctx context.Context, prefix string, opts store.ListPrefixOptions) (store.ListPrefixPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, versions := range s.objects {
		if !hasPrefix(key, prefix) {
			continue
		}
		if cur := latest(versions); cur != nil && !cur.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	page := store.ListPrefixPage{}
	for _, k := range keys {
		if opts.StartAfter != "" && k <= opts.StartAfter {
			continue
		}
		page.Keys = append(page.Keys, k)
	}
	return page, nil
}

func (s *Store) Delete(ctx context.Context, key string) (store.VersionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &version{versionID: s.newVersionID(), deleted: true}
	s.objects[key] = append(s.objects[key], v)
	return v.versionID, nil
}

func (s *Store) VersioningEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versioningOn, nil
}

func (s *Store) HeadBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bucketReachable {
		return store.ErrNotFound
	}
	return nil
}

func hasPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}
