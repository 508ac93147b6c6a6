package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemory_ExclusivePerKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "acme/X-1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A different key is independent.
	other, err := m.Acquire(ctx, "acme/X-2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire(other key): %v", err)
	}
	other()

	if _, err := m.Acquire(ctx, "acme/X-1", 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("second Acquire err = %v, want ErrTimeout", err)
	}

	release()
	release() // idempotent

	again, err := m.Acquire(ctx, "acme/X-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again()
}

func TestMemory_SerializesWaiters(t *testing.T) {
	m := NewMemory()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "k", 5*time.Second)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
}

func TestMemory_ContextCancel(t *testing.T) {
	m := NewMemory()
	release, _ := m.Acquire(context.Background(), "k", time.Second)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, "k", time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// fakeRedis emulates SET NX and the compare-and-delete script.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	evals  int
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedis_AcquireRelease(t *testing.T) {
	fake := &fakeRedis{values: map[string]string{}}
	r := &Redis{client: fake, prefix: "switchyard:lock:", ttl: time.Minute}
	ctx := context.Background()

	release, err := r.Acquire(ctx, "acme/X-1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, ok := fake.values["switchyard:lock:acme/X-1"]; !ok {
		t.Fatal("lock key not set")
	}

	if _, err := r.Acquire(ctx, "acme/X-1", 150*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("contended Acquire err = %v, want ErrTimeout", err)
	}

	release()
	release()
	if fake.evals != 1 {
		t.Errorf("release evals = %d, want 1", fake.evals)
	}
	if _, ok := fake.values["switchyard:lock:acme/X-1"]; ok {
		t.Error("lock key still set after release")
	}
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	fake := &fakeRedis{values: map[string]string{}}
	r := &Redis{client: fake, prefix: "p:", ttl: time.Minute}

	release, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Simulate expiry and takeover by another replica.
	fake.values["p:k"] = "someone-else"
	release()

	if fake.values["p:k"] != "someone-else" {
		t.Error("release deleted a lock held by another token")
	}
}
