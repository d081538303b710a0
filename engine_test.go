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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/immukv/immukv/store"
	"github.com/immukv/immukv/store/storetest"
)

func testConfig() Config {
	return Config{
		Bucket: "test-bucket",
		Region: "us-east-1",
		Prefix: "immukv/",
	}
}

func newTestClient(t *testing.T, st *storetest.Store) *Client[map[string]any] {
	t.Helper()
	c, err := NewWithStore(context.Background(), testConfig(), JSONCodec[map[string]any](), st)
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}
	return c
}

// TestGenesisWrite covers scenario 1: the first write to an empty bucket.
func TestGenesisWrite(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	c := newTestClient(t, st)

	entry, err := c.Set(ctx, "sensor-01", map[string]any{"temp": 20.0})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if entry.Sequence != 0 {
		t.Errorf("Sequence = %d, want 0", entry.Sequence)
	}
	if entry.PreviousHash != GenesisHash {
		t.Errorf("PreviousHash = %q, want %q", entry.PreviousHash, GenesisHash)
	}
	if entry.LogVersion == "" {
		t.Error("LogVersion is empty, want assigned version")
	}
	if entry.KeyVersion == "" {
		t.Error("KeyVersion is empty, want phase 2 to have succeeded")
	}

	got, err := c.Get(ctx, "sensor-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"temp": 20.0}, got.Value); diff != "" {
		t.Errorf("Get value mismatch (-want +got):\n%s", diff)
	}

	ok, err := c.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !ok {
		t.Error("VerifyChain = false, want true")
	}
}

// TestChainIntegrityAcrossWrites covers scenario 2.
func TestChainIntegrityAcrossWrites(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	c := newTestClient(t, st)

	e0, err := c.Set(ctx, "a", map[string]any{"v": 1.0})
	if err != nil {
		t.Fatalf("Set a=1: %v", err)
	}
	e1, err := c.Set(ctx, "b", map[string]any{"v": 2.0})
	if err != nil {
		t.Fatalf("Set b=2: %v", err)
	}
	e2, err := c.Set(ctx, "a", map[string]any{"v": 3.0})
	if err != nil {
		t.Fatalf("Set a=3: %v", err)
	}

	if e0.Sequence != 0 || e1.Sequence != 1 || e2.Sequence != 2 {
		t.Fatalf("sequences = %d,%d,%d, want 0,1,2", e0.Sequence, e1.Sequence, e2.Sequence)
	}
	if e1.PreviousHash != e0.Hash {
		t.Errorf("e1.PreviousHash != e0.Hash")
	}
	if e2.PreviousHash != e1.Hash {
		t.Errorf("e2.PreviousHash != e1.Hash")
	}
	if e0.PreviousHash != GenesisHash {
		t.Errorf("e0.PreviousHash = %q, want genesis", e0.PreviousHash)
	}

	history, _, err := c.History(ctx, "a", nil, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Value["v"] != 3.0 || history[1].Value["v"] != 1.0 {
		t.Errorf("history values = %v, %v, want 3, 1", history[0].Value["v"], history[1].Value["v"])
	}
}

// TestOptimisticLockingRace covers scenario 3: two concurrent writers racing
// on an empty log both commit, with distinct sequences, one key, and two
// history entries for it (a writer that loses the race on the log object
// restarts instead of failing).
func TestOptimisticLockingRace(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	c := newTestClient(t, st)

	var wg sync.WaitGroup
	results := make([]Entry[map[string]any], 2)
	errs := make([]error, 2)
	values := []any{"X", "Y"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Set(ctx, "k", map[string]any{"val": values[i]})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Set[%d]: %v", i, err)
		}
	}
	if results[0].Sequence == results[1].Sequence {
		t.Fatalf("both writes got sequence %d, want distinct sequences", results[0].Sequence)
	}

	keys, err := c.ListKeys(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if diff := cmp.Diff([]string{"k"}, keys); diff != "" {
		t.Errorf("ListKeys mismatch (-want +got):\n%s", diff)
	}

	history, _, err := c.History(ctx, "k", nil, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
}

// TestOrphanRepair covers scenario 4: phase 2 fails, a read with repair
// disabled returns NotFound, and a read once repair is due restores the
// mirror.
func TestOrphanRepair(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	cfg := testConfig()
	cfg.RepairCheckInterval = time.Millisecond
	c, err := NewWithStore(ctx, cfg, JSONCodec[map[string]any](), st)
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}

	st.ForcePutErrorForKeyPrefix(cfg.Prefix+"keys/", errors.New("simulated phase 2 failure"))
	entry, err := c.Set(ctx, "x", map[string]any{"x": 42.0})
	st.ForcePutErrorForKeyPrefix("", nil)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if entry.KeyVersion != "" {
		t.Fatal("phase 2 unexpectedly succeeded despite forced error")
	}

	c.state.mu.Lock()
	c.state.lastRepairCheck = time.Now()
	c.state.mu.Unlock()

	if _, err := c.Get(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get with repair suppressed = %v, want ErrNotFound", err)
	}

	time.Sleep(2 * time.Millisecond)
	got, err := c.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get after repair due: %v", err)
	}
	if got.Value["x"] != 42.0 {
		t.Errorf("Get value = %v, want 42", got.Value["x"])
	}

	got2, err := c.Get(ctx, "x")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got2.Value["x"] != 42.0 {
		t.Errorf("second Get value = %v, want 42", got2.Value["x"])
	}
}

// TestCheckOrphan checks the introspection API surfaces ErrOrphaned for a
// key with a pending orphan and nil otherwise, without itself repairing.
func TestCheckOrphan(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	cfg := testConfig()
	cfg.RepairCheckInterval = time.Hour
	c, err := NewWithStore(ctx, cfg, JSONCodec[map[string]any](), st)
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}

	if err := c.CheckOrphan("x"); err != nil {
		t.Errorf("CheckOrphan(no writes yet) = %v, want nil", err)
	}

	st.ForcePutErrorForKeyPrefix(cfg.Prefix+"keys/", errors.New("simulated phase 2 failure"))
	if _, err := c.Set(ctx, "x", map[string]any{"x": 1.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	st.ForcePutErrorForKeyPrefix("", nil)

	if err := c.CheckOrphan("x"); !errors.Is(err, ErrOrphaned) {
		t.Errorf("CheckOrphan(orphaned key) = %v, want ErrOrphaned", err)
	}
	if err := c.CheckOrphan("other"); err != nil {
		t.Errorf("CheckOrphan(unrelated key) = %v, want nil", err)
	}
}

// TestHistoryCursorSkipsOrphan checks that the pagination cursor returned
// by History is always derived from a real mirror version, never from a
// prepended orphan entry (which has no KeyVersion of its own). It injects
// the orphan state directly so a pending orphan coexists with more than
// one real mirror version for the same key, a combination the live
// repair-on-write path otherwise collapses on the very next Set.
func TestHistoryCursorSkipsOrphan(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	c := newTestClient(t, st)

	if _, err := c.Set(ctx, "x", map[string]any{"v": 1.0}); err != nil {
		t.Fatalf("Set 1: %v", err)
	}
	e2, err := c.Set(ctx, "x", map[string]any{"v": 2.0})
	if err != nil {
		t.Fatalf("Set 2: %v", err)
	}

	c.setOrphan(logEntryDTO{
		Sequence:    e2.Sequence + 1,
		Key:         "x",
		Value:       []byte(`{"v":3}`),
		TimestampMS: e2.TimestampMS + 1,
		Hash:        "sha256:orphan",
	}, "orphan-log-version")

	history, next, err := c.History(ctx, "x", nil, 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2 (orphan + one real mirror entry)", len(history))
	}
	if history[0].Value["v"] != 3.0 {
		t.Errorf("history[0] (orphan) v = %v, want 3", history[0].Value["v"])
	}
	if history[0].KeyVersion != "" {
		t.Errorf("history[0] (orphan) KeyVersion = %q, want empty", history[0].KeyVersion)
	}
	if history[1].Value["v"] != 2.0 {
		t.Errorf("history[1] (real mirror entry) v = %v, want 2", history[1].Value["v"])
	}
	if next == nil {
		t.Fatal("next cursor is nil, want a cursor pointing at a real mirror version")
	}
	if *next != history[1].KeyVersion {
		t.Errorf("next cursor = %q, want history[1].KeyVersion = %q", *next, history[1].KeyVersion)
	}

	page2, _, err := c.History(ctx, "x", next, 1)
	if err != nil {
		t.Fatalf("History page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].Value["v"] != 1.0 {
		t.Fatalf("page2 = %+v, want the first write (v=1)", page2)
	}
}

// TestCrossCodecResilience covers scenario 6: a client derived via WithCodec
// with a narrower codec must not invoke its decoder on an entry written by
// the wider client, and chain verification must still succeed.
func TestCrossCodecResilience(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wide := newTestClient(t, st)

	if _, err := wide.Set(ctx, "cfg", map[string]any{"mode": "prod", "debug": false}); err != nil {
		t.Fatalf("wide.Set: %v", err)
	}

	type sensor struct {
		Temp float64 `json:"temp"`
	}
	narrow := WithCodec(wide, JSONCodec[sensor]())

	if _, err := narrow.Set(ctx, "sensor", sensor{Temp: 22.5}); err != nil {
		t.Fatalf("narrow.Set: %v", err)
	}

	ok, err := narrow.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !ok {
		t.Error("VerifyChain from narrow client = false, want true")
	}
}

// TestVerifyDetectsTamper ensures Verify is sensitive to every hashed field.
func TestVerifyDetectsTamper(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	c := newTestClient(t, st)

	entry, err := c.Set(ctx, "k", map[string]any{"v": 1.0})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !c.Verify(entry) {
		t.Fatal("Verify(untouched entry) = false, want true")
	}

	tampered := entry
	tampered.RawValue = []byte(`{"v":2}`)
	if c.Verify(tampered) {
		t.Error("Verify(tampered entry) = true, want false")
	}
}

// TestSetFailsWhenReadOnly checks the ReadOnly boundary condition.
func TestSetFailsWhenReadOnly(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	cfg := testConfig()
	cfg.ReadOnly = true
	c, err := NewWithStore(ctx, cfg, JSONCodec[map[string]any](), st)
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}
	if _, err := c.Set(ctx, "k", map[string]any{"v": 1.0}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Set on read-only client = %v, want ErrReadOnly", err)
	}
}

// TestRetryBudgetExhausted checks that a permanently conflicting log put
// eventually surfaces ErrRetryBudgetExhausted rather than looping forever.
func TestRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	cfg := testConfig()
	cfg.RetryBudget = 2
	c, err := NewWithStore(ctx, cfg, JSONCodec[map[string]any](), st)
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}

	// Force every log commit to collide, simulating perpetual contention
	// from other writers so the retry loop exhausts its bounded budget.
	st.ForcePutErrorForKeyPrefix(cfg.Prefix+"_log.json", store.ErrPreconditionFailed)

	if _, err := c.Set(ctx, "k", map[string]any{"v": 1.0}); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Errorf("Set = %v, want ErrRetryBudgetExhausted", err)
	}
}

// TestConfigValidation exercises the configuration boundary checks.
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing bucket", Config{Region: "us-east-1", Prefix: "p/"}},
		{"missing region", Config{Bucket: "b", Prefix: "p/"}},
		{"missing prefix", Config{Bucket: "b", Region: "us-east-1"}},
		{"prefix without trailing slash", Config{Bucket: "b", Region: "us-east-1", Prefix: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.validate(); !errors.Is(err, ErrConfigurationError) {
				t.Errorf("validate() = %v, want ErrConfigurationError", err)
			}
		})
	}
}

// TestVersioningDisabledRefused checks that construction refuses to proceed
// against a bucket without versioning enabled.
func TestVersioningDisabledRefused(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	st.SetVersioningEnabled(false)

	_, err := NewWithStore(ctx, testConfig(), JSONCodec[map[string]any](), st)
	if !errors.Is(err, ErrConfigurationError) {
		t.Errorf("NewWithStore = %v, want ErrConfigurationError", err)
	}
}
