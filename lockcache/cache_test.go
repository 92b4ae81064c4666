package lockcache_test

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opendap-go/bescache/lockcache"
)

func TestNewCache_MissingDirIsDisabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	c := lockcache.NewCache(dir, "rc", 10)

	if c.Enabled() {
		t.Fatal("cache with missing dir should be disabled")
	}

	h, ok, err := c.CreateAndLock(filepath.Join(dir, "rcfoo"))
	if err != nil || ok || h != nil {
		t.Fatalf("CreateAndLock on disabled cache = (%v, %v, %v), want (nil, false, nil)", h, ok, err)
	}
	h2, ok2, err2 := c.ReadLock(filepath.Join(dir, "rcfoo"))
	if err2 != nil || ok2 || h2 != nil {
		t.Fatalf("ReadLock on disabled cache = (%v, %v, %v), want (nil, false, nil)", h2, ok2, err2)
	}
}

func TestCache_FileName(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)

	got := c.FileName("/data/y.nc.gz", true)
	want := filepath.Join(c.Dir(), "rc#data#y.nc.gz")
	if got != want {
		t.Errorf("FileName(mangle) = %q, want %q", got, want)
	}

	// Deterministic: same input, same output.
	if got2 := c.FileName("/data/y.nc.gz", true); got2 != got {
		t.Errorf("FileName not deterministic: %q vs %q", got, got2)
	}

	gotRaw := c.FileName("abc123", false)
	wantRaw := filepath.Join(c.Dir(), "rcabc123")
	if gotRaw != wantRaw {
		t.Errorf("FileName(raw) = %q, want %q", gotRaw, wantRaw)
	}
}

func TestCreateAndLock_ExactlyOneWinner(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)
	target := c.FileName("contested", false)

	const n = 16
	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			h, ok, err := c.CreateAndLock(target)
			if err != nil {
				t.Errorf("CreateAndLock: %v", err)
				return
			}
			if ok {
				wins.Add(1)
				defer c.Unlock(target)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want 1", got)
	}
}

func TestReadLock_MissingIsMissNotBlock(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)
	h, ok, err := c.ReadLock(c.FileName("nope", false))
	if err != nil {
		t.Fatalf("ReadLock: %v", err)
	}
	if ok || h != nil {
		t.Fatalf("ReadLock on missing file = (%v, %v), want (nil, false)", h, ok)
	}
}

func TestCreateAndLock_ThenReadLockSeesBytes(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)
	target := c.FileName("y.nc", false)

	h, ok, err := c.CreateAndLock(target)
	if err != nil || !ok {
		t.Fatalf("CreateAndLock: ok=%v err=%v", ok, err)
	}
	if _, err := h.File().WriteString("hello"); err != nil {
		t.Fatal(err)
	}
	if err := c.Downgrade(h); err != nil {
		t.Fatalf("Downgrade: %v", err)
	}

	h2, ok2, err2 := c.ReadLock(target)
	if err2 != nil || !ok2 {
		t.Fatalf("ReadLock after create: ok=%v err=%v", ok2, err2)
	}
	data, err := os.ReadFile(h2.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("contents = %q, want %q", data, "hello")
	}
	// The read handle replaced the create handle as the one recorded for
	// target, so the first Unlock releases it and the second finds nothing.
	if err := c.Unlock(target); err != nil {
		t.Errorf("Unlock (recorded read handle): %v", err)
	}
	if err := c.Unlock(target); err != nil {
		t.Errorf("second Unlock should be a no-op, got: %v", err)
	}
}

func TestUpdateInfo_Accumulates(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)

	var lastTotal int64
	for i, n := range []int{100, 250, 50} {
		target := c.FileName("entry"+strconv.Itoa(i), false)
		h, ok, err := c.CreateAndLock(target)
		if err != nil || !ok {
			t.Fatalf("CreateAndLock: ok=%v err=%v", ok, err)
		}
		if _, err := h.File().Write(make([]byte, n)); err != nil {
			t.Fatal(err)
		}
		total, err := c.UpdateInfo(target)
		if err != nil {
			t.Fatalf("UpdateInfo: %v", err)
		}
		lastTotal = total
		c.Unlock(target)
	}

	if lastTotal != 400 {
		t.Errorf("total = %d, want 400", lastTotal)
	}
	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.CurrentBytes != 400 || stats.EntryCount != 3 {
		t.Errorf("stats = %+v, want CurrentBytes=400 EntryCount=3", stats)
	}
}

func TestTooBig_Boundary(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 1) // 1MB
	const mb = 1024 * 1024

	if c.TooBig(mb) {
		t.Error("size == S should not be too big")
	}
	if !c.TooBig(mb + 1) {
		t.Error("size == S+1 should be too big")
	}
}

func TestTooBig_Unbounded(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 0)
	if c.TooBig(1 << 40) {
		t.Error("a zero-size cap should never report too big")
	}
}

func TestUpdateAndPurge_ReducesToTarget(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 1) // cap 1MB, target 0.8MB

	const entrySize = 300 * 1024
	var paths []string
	for i := 0; i < 4; i++ {
		target := c.FileName("e"+strconv.Itoa(i), false)
		h, ok, err := c.CreateAndLock(target)
		if err != nil || !ok {
			t.Fatalf("CreateAndLock %d: ok=%v err=%v", i, ok, err)
		}
		if _, err := h.File().Write(make([]byte, entrySize)); err != nil {
			t.Fatal(err)
		}
		if _, err := c.UpdateInfo(target); err != nil {
			t.Fatal(err)
		}
		c.Unlock(target)
		paths = append(paths, target)
	}

	if err := c.UpdateAndPurge(paths[len(paths)-1]); err != nil {
		t.Fatalf("UpdateAndPurge: %v", err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	const target = int64(float64(1024*1024) * 0.8)
	if stats.CurrentBytes > target {
		t.Errorf("CurrentBytes = %d, want <= %d", stats.CurrentBytes, target)
	}
	if _, err := os.Stat(paths[len(paths)-1]); err != nil {
		t.Errorf("exempt path was purged: %v", err)
	}
}

func TestUpdateAndPurge_NeverDeletesExempt(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 1)
	target := c.FileName("only", false)
	h, ok, err := c.CreateAndLock(target)
	if err != nil || !ok {
		t.Fatalf("CreateAndLock: ok=%v err=%v", ok, err)
	}
	h.File().Write(make([]byte, 2*1024*1024)) // force over cap on its own
	if _, err := c.UpdateInfo(target); err != nil {
		t.Fatal(err)
	}
	c.Unlock(target)

	if err := c.UpdateAndPurge(target); err != nil {
		t.Fatalf("UpdateAndPurge: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("sole exempt entry was purged: %v", err)
	}
}

func TestPurgeFile_RemovesAndAccounts(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)
	target := c.FileName("doomed", false)
	h, ok, err := c.CreateAndLock(target)
	if err != nil || !ok {
		t.Fatalf("CreateAndLock: ok=%v err=%v", ok, err)
	}
	h.File().Write(make([]byte, 512))
	if _, err := c.UpdateInfo(target); err != nil {
		t.Fatal(err)
	}
	c.Unlock(target)

	if err := c.PurgeFile(target); err != nil {
		t.Fatalf("PurgeFile: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("expected target removed, stat err = %v", err)
	}
	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.CurrentBytes != 0 {
		t.Errorf("CurrentBytes = %d, want 0", stats.CurrentBytes)
	}
}

func TestPurgeFile_MissingIsNoop(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)
	if err := c.PurgeFile(c.FileName("never-existed", false)); err != nil {
		t.Fatalf("PurgeFile on missing file: %v", err)
	}
}

func TestCacheInfo_InitializesToZero(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats on fresh cache: %v", err)
	}
	if stats.CurrentBytes != 0 {
		t.Errorf("fresh cache-info = %d, want 0", stats.CurrentBytes)
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), "rc.cache_info")); err != nil {
		t.Errorf("cache-info file not created: %v", err)
	}
}

func TestDisable_StopsNewAttempts(t *testing.T) {
	c := lockcache.NewCache(t.TempDir(), "rc", 10)
	c.Disable()
	_, ok, err := c.CreateAndLock(c.FileName("x", false))
	if err != nil || ok {
		t.Fatalf("CreateAndLock after Disable: ok=%v err=%v", ok, err)
	}
	c.Enable()
	h, ok2, err2 := c.CreateAndLock(c.FileName("x", false))
	if err2 != nil || !ok2 {
		t.Fatalf("CreateAndLock after Enable: ok=%v err=%v", ok2, err2)
	}
	c.Unlock(h.Path())
}
