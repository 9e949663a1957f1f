package syncutil

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestShardedLocker_MutualExclusion(t *testing.T) {
	l := NewShardedLocker()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "freelancer-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()
			// Load then store so a broken lock loses increments.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("counter = %d, want %d", got, n)
	}
}

func TestShardedLocker_ContextCancelled(t *testing.T) {
	l := NewShardedLocker()

	unlock, err := l.Lock(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "pay_1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestShardedLocker_UnlockHandsOver(t *testing.T) {
	l := NewShardedLocker()
	ctx := context.Background()

	unlock, _ := l.Lock(ctx, "k")
	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "k")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("acquired before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	// Double unlock is a no-op.
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired")
	}
}

func TestShardFor_Stable(t *testing.T) {
	if shardFor("abc", 256) != shardFor("abc", 256) {
		t.Fatal("shard must be stable for a key")
	}
	if s := shardFor("abc", 256); s < 0 || s >= 256 {
		t.Fatalf("shard out of range: %d", s)
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	l := NewRedisLocker(client, "test:lock:", 5*time.Second, nil)
	ctx := context.Background()
	key := "wd-" + time.Now().Format("150405.000000")

	unlock, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock err = %v, want DeadlineExceeded", err)
	}

	unlock()

	unlock2, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()
}
