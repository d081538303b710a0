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

// Package files layers large-payload file storage on top of an immukv log
// engine. File bytes live in object storage under their own key; the log
// engine's value is FileMetadata (or, once deleted, DeletedFileMetadata),
// so every file write and delete is itself an auditable, hash-chained
// entry. Reuses the log engine's two-phase write protocol for metadata and
// adds a pre-commit phase that uploads the payload.
package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/immukv/immukv"
	"github.com/immukv/immukv/store"
)

// FileMetadata is the log value for an active (non-deleted) file.
type FileMetadata struct {
	S3Key         string            `json:"s3_key"`
	S3VersionID   string            `json:"s3_version_id"`
	ContentHash   string            `json:"content_hash"`
	ContentLength int64             `json:"content_length"`
	ContentType   string            `json:"content_type"`
	UserMetadata  map[string]string `json:"user_metadata,omitempty"`
}

// DeletedFileMetadata is the log value written as a tombstone once a file
// has been deleted. The original bytes remain retrievable by historical
// version id; only the logical, "current" view is deleted.
type DeletedFileMetadata struct {
	S3Key            string `json:"s3_key"`
	DeletedVersionID string `json:"deleted_version_id"`
	Deleted          bool   `json:"deleted"`
}

// Value is the log value type for a FileClient: exactly one of Metadata or
// Deleted is set. The decoder selects between the two by the presence of a
// top-level "deleted": true field.
type Value struct {
	Metadata *FileMetadata
	Deleted  *DeletedFileMetadata
}

// IsDeleted reports whether v is a tombstone.
func (v Value) IsDeleted() bool {
	return v.Deleted != nil
}

// Codec is the immukv.Codec for Value.
func Codec() immukv.Codec[Value] {
	return immukv.Codec[Value]{
		Encode: func(v Value) ([]byte, error) {
			switch {
			case v.Deleted != nil:
				return json.Marshal(v.Deleted)
			case v.Metadata != nil:
				return json.Marshal(v.Metadata)
			default:
				return nil, errors.New("files: value has neither metadata nor a tombstone")
			}
		},
		Decode: func(b []byte) (Value, error) {
			var probe struct {
				Deleted bool `json:"deleted"`
			}
			if err := json.Unmarshal(b, &probe); err != nil {
				return Value{}, fmt.Errorf("files: decode value: %w", err)
			}
			if probe.Deleted {
				var d DeletedFileMetadata
				if err := json.Unmarshal(b, &d); err != nil {
					return Value{}, fmt.Errorf("files: decode tombstone: %w", err)
				}
				return Value{Deleted: &d}, nil
			}
			var m FileMetadata
			if err := json.Unmarshal(b, &m); err != nil {
				return Value{}, fmt.Errorf("files: decode metadata: %w", err)
			}
			return Value{Metadata: &m}, nil
		},
	}
}

// Config overlays the log engine's configuration for the file extension.
// Bucket and Region default to the underlying Client's when left empty.
// An empty Prefix defaults to "<log prefix>files/" when the file bytes share
// the Client's bucket, and stays empty (the bucket root) otherwise.
type Config struct {
	Bucket string
	Region string
	Prefix string

	KMSKeyID string

	// Overrides, if set, is used to construct a separate S3 store for this
	// extension. When Overrides is nil and Bucket and Region are empty or
	// match the underlying Client's, the extension shares the Client's store
	// outright; Prefix plays no part in that decision.
	Overrides *store.Overrides

	// DisableAccessValidation skips the HeadBucket check at construction.
	DisableAccessValidation bool
	// DisableVersioningValidation skips the GetBucketVersioning check at
	// construction.
	DisableVersioningValidation bool
}

// SetFileOptions customizes a SetFile call.
type SetFileOptions struct {
	ContentType  string
	UserMetadata map[string]string
}

// Client stores and retrieves files with immukv audit logging, for keys of
// type K (a string subtype, so callers can use a distinctly-named key type
// the way the rest of their codebase does).
type Client[K ~string] struct {
	kv         *immukv.Client[Value]
	fileStore  store.Store
	filePrefix string
	kmsKeyID   string
}

// New constructs a Client. kv is the log engine that will carry file
// metadata; cfg customizes where file bytes themselves are stored. By
// default, file bytes share kv's bucket and S3 session, under
// "<kv prefix>files/".
func New[K ~string](ctx context.Context, kv *immukv.Client[Value], cfg Config) (*Client[K], error) {
	kvCfg := kv.Config()

	sameBucket := cfg.Bucket == "" || cfg.Bucket == kvCfg.Bucket
	sameRegion := cfg.Region == "" || cfg.Region == kvCfg.Region
	sameOverrides := cfg.Overrides == nil

	filePrefix := cfg.Prefix
	if filePrefix == "" {
		if sameBucket {
			filePrefix = kvCfg.Prefix + "files/"
		}
	}

	var fileStore store.Store
	if sameBucket && sameRegion && sameOverrides {
		fileStore = kv.Store()
	} else {
		bucket := cfg.Bucket
		if bucket == "" {
			bucket = kvCfg.Bucket
		}
		region := cfg.Region
		if region == "" {
			region = kvCfg.Region
		}
		st, err := store.NewS3Store(ctx, store.S3Config{Bucket: bucket, Region: region, Overrides: cfg.Overrides})
		if err != nil {
			return nil, fmt.Errorf("files: construct S3 store: %w", err)
		}
		fileStore = st
	}

	fc := &Client[K]{kv: kv, fileStore: fileStore, filePrefix: filePrefix, kmsKeyID: cfg.KMSKeyID}

	if !cfg.DisableAccessValidation || !cfg.DisableVersioningValidation {
		g, gctx := errgroup.WithContext(ctx)
		if !cfg.DisableAccessValidation {
			g.Go(func() error {
				if err := fileStore.HeadBucket(gctx); err != nil {
					return fmt.Errorf("%w: file bucket unreachable: %v", immukv.ErrConfigurationError, err)
				}
				return nil
			})
		}
		if !cfg.DisableVersioningValidation {
			g.Go(func() error {
				enabled, err := fileStore.VersioningEnabled(gctx)
				if err != nil {
					return fmt.Errorf("%w: checking file bucket versioning: %v", immukv.ErrConfigurationError, err)
				}
				if !enabled {
					return fmt.Errorf("%w: file bucket versioning must be enabled", immukv.ErrConfigurationError)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return fc, nil
}

func (fc *Client[K]) s3Key(key K) string {
	return fc.filePrefix + string(key)
}

type uploadResult struct {
	s3Key         string
	s3VersionID   string
	contentHash   string
	contentLength int64
}

// uploadPhase0 uploads the payload and computes its content hash in a
// single pass via io.TeeReader. It is invoked exactly once per SetFile
// call, outside the log engine's own retry loop, so a retried log commit
// never produces a second object version for the same logical write.
func (fc *Client[K]) uploadPhase0(ctx context.Context, key K, r io.Reader, opts SetFileOptions) (uploadResult, error) {
	hasher := sha256.New()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.TeeReader(r, hasher)); err != nil {
		return uploadResult{}, fmt.Errorf("files: read payload for %q: %w", key, err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	putOpts := store.PutOptions{ContentType: contentType, UserMetadata: opts.UserMetadata}
	if fc.kmsKeyID != "" {
		putOpts.SSEKMSKeyID = fc.kmsKeyID
	}

	res, err := fc.fileStore.Put(ctx, fc.s3Key(key), buf.Bytes(), putOpts)
	if errors.Is(err, store.ErrNoVersionID) {
		return uploadResult{}, fmt.Errorf("%w: file store returned no version id for %q", immukv.ErrConfigurationError, key)
	}
	if err != nil {
		return uploadResult{}, fmt.Errorf("%w: upload payload for %q: %v", immukv.ErrBackend, key, err)
	}
	if res.VersionID == "" {
		return uploadResult{}, fmt.Errorf("%w: file store returned no version id for %q", immukv.ErrConfigurationError, key)
	}

	return uploadResult{
		s3Key:         fc.s3Key(key),
		s3VersionID:   string(res.VersionID),
		contentHash:   "sha256:" + hex.EncodeToString(hasher.Sum(nil)),
		contentLength: int64(buf.Len()),
	}, nil
}

// SetFile uploads r's bytes under key and appends an auditable metadata
// entry referencing them.
func (fc *Client[K]) SetFile(ctx context.Context, key K, r io.Reader, opts SetFileOptions) (immukv.Entry[Value], error) {
	upload, err := fc.uploadPhase0(ctx, key, r, opts)
	if err != nil {
		return immukv.Entry[Value]{}, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	metadata := FileMetadata{
		S3Key:         upload.s3Key,
		S3VersionID:   upload.s3VersionID,
		ContentHash:   upload.contentHash,
		ContentLength: upload.contentLength,
		ContentType:   contentType,
		UserMetadata:  opts.UserMetadata,
	}
	return fc.kv.Set(ctx, string(key), Value{Metadata: &metadata})
}

// resolveEntry finds the entry to act on for key, either a specific
// historical key version or the latest.
func (fc *Client[K]) resolveEntry(ctx context.Context, key K, version *immukv.KeyVersion) (immukv.Entry[Value], error) {
	if version != nil {
		return fc.kv.GetByKeyVersion(ctx, string(key), *version)
	}
	return fc.kv.Get(ctx, string(key))
}

// GetFile resolves key's metadata (the latest, or a specific historical
// version) and returns it alongside a single-pass stream of the
// referenced payload bytes. The caller must close the stream.
func (fc *Client[K]) GetFile(ctx context.Context, key K, version *immukv.KeyVersion) (immukv.Entry[Value], io.ReadCloser, error) {
	entry, err := fc.resolveEntry(ctx, key, version)
	if err != nil {
		return immukv.Entry[Value]{}, nil, err
	}
	if entry.Value.IsDeleted() {
		return immukv.Entry[Value]{}, nil, immukv.ErrFileDeleted
	}

	meta := entry.Value.Metadata
	rc, _, _, err := fc.fileStore.GetStream(ctx, meta.S3Key, store.VersionID(meta.S3VersionID))
	if err != nil {
		return immukv.Entry[Value]{}, nil, fmt.Errorf("%w: get file payload for %q: %v", immukv.ErrBackend, key, err)
	}
	return entry, rc, nil
}

// GetFileToPath is a convenience wrapper around GetFile that writes the
// payload to a local file at path.
func (fc *Client[K]) GetFileToPath(ctx context.Context, key K, path string, version *immukv.KeyVersion) (immukv.Entry[Value], error) {
	entry, rc, err := fc.GetFile(ctx, key, version)
	if err != nil {
		return immukv.Entry[Value]{}, err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return immukv.Entry[Value]{}, fmt.Errorf("files: create %q: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return immukv.Entry[Value]{}, fmt.Errorf("files: write %q: %w", path, err)
	}
	return entry, nil
}

// DeleteFile creates a delete marker for key's payload and appends a
// tombstone entry. Prior content versions remain retrievable via GetFile
// with an explicit historical version.
func (fc *Client[K]) DeleteFile(ctx context.Context, key K) (immukv.Entry[Value], error) {
	entry, err := fc.kv.Get(ctx, string(key))
	if err != nil {
		return immukv.Entry[Value]{}, err
	}
	if entry.Value.IsDeleted() {
		return immukv.Entry[Value]{}, immukv.ErrFileDeleted
	}

	deletedVersionID, err := fc.fileStore.Delete(ctx, entry.Value.Metadata.S3Key)
	if errors.Is(err, store.ErrNoVersionID) {
		return immukv.Entry[Value]{}, fmt.Errorf("%w: delete for %q returned no version id", immukv.ErrConfigurationError, key)
	}
	if err != nil {
		return immukv.Entry[Value]{}, fmt.Errorf("%w: delete file payload for %q: %v", immukv.ErrBackend, key, err)
	}
	if deletedVersionID == "" {
		return immukv.Entry[Value]{}, fmt.Errorf("%w: delete for %q returned no version id", immukv.ErrConfigurationError, key)
	}

	tombstone := DeletedFileMetadata{
		S3Key:            entry.Value.Metadata.S3Key,
		DeletedVersionID: string(deletedVersionID),
		Deleted:          true,
	}
	return fc.kv.Set(ctx, string(key), Value{Deleted: &tombstone})
}

// VerifyFile verifies entry's hash against the log chain and, for an active
// (non-tombstoned) entry, additionally downloads the referenced payload and
// compares its SHA-256 against the stored content hash. Returns false
// (rather than an error) when the referenced object version is gone.
func (fc *Client[K]) VerifyFile(ctx context.Context, entry immukv.Entry[Value]) (bool, error) {
	if !fc.kv.Verify(entry) {
		return false, nil
	}
	if entry.Value.IsDeleted() {
		return true, nil
	}

	meta := entry.Value.Metadata
	rc, _, _, err := fc.fileStore.GetStream(ctx, meta.S3Key, store.VersionID(meta.S3VersionID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: verify file payload for %q: %v", immukv.ErrBackend, entry.Key, err)
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return false, fmt.Errorf("files: hash payload for %q: %w", entry.Key, err)
	}
	got := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if got != meta.ContentHash {
		klog.Warningf("files: content hash mismatch for %q: got %s, want %s", entry.Key, got, meta.ContentHash)
		return false, nil
	}
	return true, nil
}

// History forwards to the underlying log engine's History for key.
func (fc *Client[K]) History(ctx context.Context, key K, before *immukv.KeyVersion, limit int) ([]immukv.Entry[Value], *immukv.KeyVersion, error) {
	return fc.kv.History(ctx, string(key), before, limit)
}

// ListFiles forwards to the underlying log engine's ListKeys.
func (fc *Client[K]) ListFiles(ctx context.Context, prefix string, after K, limit int) ([]K, error) {
	keys, err := fc.kv.ListKeys(ctx, prefix, string(after), limit)
	if err != nil {
		return nil, err
	}
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		out = append(out, K(k))
	}
	return out, nil
}
