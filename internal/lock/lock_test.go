package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reportline/internal/retry"
)

func TestDefaultTTLCoversStorageRetries(t *testing.T) {
	for _, name := range retry.PresetNames() {
		p, _ := retry.Preset(name)
		if p.Timeout > DefaultTTL {
			t.Fatalf("preset %s timeout %s outlives the default lock ttl %s", name, p.Timeout, DefaultTTL)
		}
	}
}

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "batch-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxInside)
	}
	if l.Held() != 0 {
		t.Fatalf("expected no slots left, got %d", l.Held())
	}
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	r1, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer r1()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r2, err := l.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	r2()
}

func TestLocalAcquireHonorsContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	release()
	release()
	if l.Held() != 0 {
		t.Fatalf("expected slot cleanup, got %d", l.Held())
	}
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("REPORTLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("REPORTLINE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, RedisOptions{Addr: addr, TTL: 5 * time.Second})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer r.Close()
	release, err := r.Acquire(ctx, "test-key")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(short, "test-key"); err == nil {
		t.Fatalf("second acquire should fail while held")
	}
	release()
	release2, err := r.Acquire(ctx, "test-key")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	release2()
}
