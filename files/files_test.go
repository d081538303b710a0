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

package files_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/immukv/immukv"
	"github.com/immukv/immukv/files"
	"github.com/immukv/immukv/store/storetest"
)

func newTestFileClient(t *testing.T) (*immukv.Client[files.Value], *files.Client[string]) {
	t.Helper()
	ctx := context.Background()
	st := storetest.New()

	kv, err := immukv.NewWithStore(ctx, immukv.Config{
		Bucket: "test-bucket",
		Region: "us-east-1",
		Prefix: "immukv/",
	}, files.Codec(), st)
	if err != nil {
		t.Fatalf("immukv.NewWithStore: %v", err)
	}

	fc, err := files.New[string](ctx, kv, files.Config{})
	if err != nil {
		t.Fatalf("files.New: %v", err)
	}
	return kv, fc
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// TestFileRoundTripAndDeletion covers scenario 5: a file write, a round
// trip read, deletion, and historical access to the content after deletion.
func TestFileRoundTripAndDeletion(t *testing.T) {
	ctx := context.Background()
	_, fc := newTestFileClient(t)

	payload := make([]byte, 128*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	wantHash := sha256Hex(payload)

	entry, err := fc.SetFile(ctx, "doc", bytes.NewReader(payload), files.SetFileOptions{})
	if err != nil {
		t.Fatalf("SetFile: %v", err)
	}
	if entry.Value.Metadata == nil {
		t.Fatal("entry.Value.Metadata is nil")
	}
	if entry.Value.Metadata.ContentHash != wantHash {
		t.Errorf("ContentHash = %q, want %q", entry.Value.Metadata.ContentHash, wantHash)
	}
	if entry.Value.Metadata.ContentLength != int64(len(payload)) {
		t.Errorf("ContentLength = %d, want %d", entry.Value.Metadata.ContentLength, len(payload))
	}

	_, rc, err := fc.GetFile(ctx, "doc", nil)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if sha256Hex(got) != wantHash {
		t.Error("downloaded payload hash mismatch")
	}

	deleteEntry, err := fc.DeleteFile(ctx, "doc")
	if err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if !deleteEntry.Value.IsDeleted() {
		t.Fatal("DeleteFile entry is not a tombstone")
	}

	if _, _, err := fc.GetFile(ctx, "doc", nil); !errors.Is(err, immukv.ErrFileDeleted) {
		t.Errorf("GetFile after delete = %v, want ErrFileDeleted", err)
	}

	history, _, err := fc.History(ctx, "doc", nil, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if !history[0].Value.IsDeleted() {
		t.Error("history[0] (newest) is not the tombstone")
	}
	if history[1].Value.IsDeleted() {
		t.Error("history[1] (oldest) is unexpectedly a tombstone")
	}

	activeVersion := history[1].KeyVersion
	histEntry, rc2, err := fc.GetFile(ctx, "doc", &activeVersion)
	if err != nil {
		t.Fatalf("GetFile(historical version): %v", err)
	}
	histBytes, err := io.ReadAll(rc2)
	rc2.Close()
	if err != nil {
		t.Fatalf("read historical stream: %v", err)
	}
	if sha256Hex(histBytes) != wantHash {
		t.Error("historical payload hash mismatch")
	}

	ok, err := fc.VerifyFile(ctx, histEntry)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if !ok {
		t.Error("VerifyFile(historical active entry) = false, want true")
	}

	ok, err = fc.VerifyFile(ctx, deleteEntry)
	if err != nil {
		t.Fatalf("VerifyFile(tombstone): %v", err)
	}
	if !ok {
		t.Error("VerifyFile(tombstone) = false, want true")
	}
}

// TestSetFileDefaultContentType checks the documented default when no
// content type is supplied.
func TestSetFileDefaultContentType(t *testing.T) {
	ctx := context.Background()
	_, fc := newTestFileClient(t)

	entry, err := fc.SetFile(ctx, "note", bytes.NewReader([]byte("hello")), files.SetFileOptions{})
	if err != nil {
		t.Fatalf("SetFile: %v", err)
	}
	if entry.Value.Metadata.ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q, want application/octet-stream", entry.Value.Metadata.ContentType)
	}
}

// TestSetFileUsesConfiguredKMSKey checks that files.Config.KMSKeyID is
// actually applied to the payload upload, not just the log/mirror puts.
func TestSetFileUsesConfiguredKMSKey(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()

	kv, err := immukv.NewWithStore(ctx, immukv.Config{
		Bucket: "test-bucket",
		Region: "us-east-1",
		Prefix: "immukv/",
	}, files.Codec(), st)
	if err != nil {
		t.Fatalf("immukv.NewWithStore: %v", err)
	}
	fc, err := files.New[string](ctx, kv, files.Config{KMSKeyID: "arn:aws:kms:us-east-1:1:key/abc"})
	if err != nil {
		t.Fatalf("files.New: %v", err)
	}

	entry, err := fc.SetFile(ctx, "doc", bytes.NewReader([]byte("hello")), files.SetFileOptions{})
	if err != nil {
		t.Fatalf("SetFile: %v", err)
	}

	opts, ok := st.LastPutOptions(entry.Value.Metadata.S3Key)
	if !ok {
		t.Fatalf("no recorded put options for %q", entry.Value.Metadata.S3Key)
	}
	if opts.SSEKMSKeyID != "arn:aws:kms:us-east-1:1:key/abc" {
		t.Errorf("SSEKMSKeyID = %q, want configured key", opts.SSEKMSKeyID)
	}
}

// TestDeleteAlreadyDeletedFails checks that deleting a tombstoned key
// surfaces ErrFileDeleted rather than silently producing a second
// tombstone.
func TestDeleteAlreadyDeletedFails(t *testing.T) {
	ctx := context.Background()
	_, fc := newTestFileClient(t)

	if _, err := fc.SetFile(ctx, "doc", bytes.NewReader([]byte("x")), files.SetFileOptions{}); err != nil {
		t.Fatalf("SetFile: %v", err)
	}
	if _, err := fc.DeleteFile(ctx, "doc"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := fc.DeleteFile(ctx, "doc"); !errors.Is(err, immukv.ErrFileDeleted) {
		t.Errorf("second DeleteFile = %v, want ErrFileDeleted", err)
	}
}
