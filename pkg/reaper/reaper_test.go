package reaper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/kv"
	"github.com/rockcloud/sandboxctl/pkg/types"
)

// fakeKV is a hand-rolled in-memory kv.Client, matching the inline-mock
// style the rest of the pack uses in its own tests.
type fakeKV struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{store: make(map[string][]byte)}
}

func (f *fakeKV) set(t *testing.T, key string, value interface{}) {
	t.Helper()
	blob, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal %s: %v", key, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[key] = blob
}

func (f *fakeKV) JSONSet(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[key] = blob
	return nil
}

func (f *fakeKV) JSONGet(ctx context.Context, key string, dest interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.store[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(blob, dest)
}

func (f *fakeKV) JSONDelete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, key)
	return nil
}

func (f *fakeKV) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (f *fakeKV) ScanIter(ctx context.Context, prefix string, batchSize int64, fn func(key string) error) error {
	f.mu.Lock()
	var keys []string
	for k := range f.store {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// mockStopper is a hand-rolled in-memory Stopper.
type mockStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (m *mockStopper) Stop(ctx context.Context, sandboxID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, sandboxID)
	return true, nil
}

func (m *mockStopper) stoppedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.stopped))
	copy(out, m.stopped)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		ReaperInterval:      100 * time.Millisecond,
		K8sOperationTimeout: 5 * time.Second,
		KVScanBatch:         100,
	}
}

func TestReaper_SweepReapsOnlyExpiredSandboxes(t *testing.T) {
	store := newFakeKV()
	now := time.Now().Unix()
	store.set(t, kv.AliveKey("sb-expired"), types.SandboxInfo{SandboxID: "sb-expired"})
	store.set(t, kv.TimeoutKey("sb-expired"), types.TTLRecord{ExpireTime: now - 60})

	store.set(t, kv.AliveKey("sb-fresh"), types.SandboxInfo{SandboxID: "sb-fresh"})
	store.set(t, kv.TimeoutKey("sb-fresh"), types.TTLRecord{ExpireTime: now + 600})

	stopper := &mockStopper{}
	r := New(store, stopper, testConfig())

	r.sweep()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(stopper.stoppedIDs()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	stopped := stopper.stoppedIDs()
	if len(stopped) != 1 || stopped[0] != "sb-expired" {
		t.Errorf("expected only sb-expired to be stopped, got %v", stopped)
	}
}

func TestReaper_SweepSkipsAliveKeyWithNoTTLRecord(t *testing.T) {
	store := newFakeKV()
	store.set(t, kv.AliveKey("sb-orphan"), types.SandboxInfo{SandboxID: "sb-orphan"})

	stopper := &mockStopper{}
	r := New(store, stopper, testConfig())
	r.sweep()

	time.Sleep(50 * time.Millisecond)
	if len(stopper.stoppedIDs()) != 0 {
		t.Errorf("expected no stop calls for an alive key with no TTL record, got %v", stopper.stoppedIDs())
	}
}

func TestReaper_SweepEmptyKeyspace(t *testing.T) {
	r := New(newFakeKV(), &mockStopper{}, testConfig())
	r.sweep() // must not panic
}

func TestReaper_StartStop(t *testing.T) {
	r := New(newFakeKV(), &mockStopper{}, testConfig())

	r.Start()
	time.Sleep(250 * time.Millisecond)
	r.Stop()
	time.Sleep(100 * time.Millisecond)
	// Test passes if no panic or deadlock occurs.
}
