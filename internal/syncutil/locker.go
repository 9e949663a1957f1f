// Package syncutil provides keyed locks used to serialize money movements
// for a single payment or freelancer.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned unlock func must be
// called exactly once. Waiting honours ctx cancellation.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

const defaultShards = 256

// ShardedLocker is an in-process Locker backed by a fixed pool of
// channel mutexes. Memory stays bounded however many keys are seen; two keys
// that hash to the same shard serialize with each other.
type ShardedLocker struct {
	once   sync.Once
	shards []chan struct{}
}

// NewShardedLocker returns a locker with the default shard count.
func NewShardedLocker() *ShardedLocker {
	l := &ShardedLocker{}
	l.init()
	return l
}

func (l *ShardedLocker) init() {
	l.once.Do(func() {
		l.shards = make([]chan struct{}, defaultShards)
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{}
		}
	})
}

// Lock implements Locker.
func (l *ShardedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.init()
	ch := l.shards[shardFor(key, len(l.shards))]

	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n)) //nolint:gosec // n is a small positive constant
}

var _ Locker = (*ShardedLocker)(nil)
