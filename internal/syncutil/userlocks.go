// Package syncutil holds the in-process lock that serializes scoring per
// user.
package syncutil

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/txguard/internal/metrics"
)

// DefaultShards is the shard count used by NewUserLocks(0).
const DefaultShards = 256

// UserLocks is a bounded pool of context-aware mutexes keyed by user id.
// Ids hash onto shards, so two users may occasionally share one; memory
// does not grow with the number of users.
type UserLocks struct {
	shards []chan struct{}
}

// NewUserLocks creates a pool with n shards, or DefaultShards when n <= 0.
func NewUserLocks(n int) *UserLocks {
	if n <= 0 {
		n = DefaultShards
	}
	l := &UserLocks{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until userID's shard is free or ctx is done. The returned
// unlock is safe to call more than once.
func (l *UserLocks) Lock(ctx context.Context, userID int64) (unlock func(), err error) {
	shard := l.shards[l.shardOf(userID)]
	start := time.Now()

	select {
	case shard <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	metrics.UserLockWait.Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() { once.Do(func() { <-shard }) }, nil
}

// shardOf mixes the id (splitmix64 finalizer) so sequential ids spread.
func (l *UserLocks) shardOf(userID int64) int {
	z := uint64(userID) + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return int(z % uint64(len(l.shards)))
}
