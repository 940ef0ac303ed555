package chunk

import (
	"sync"

	"github.com/yangdegang/map-api/internal/model"
)

// lockState is the local view of a chunk's distributed RW lock.
type lockState int

const (
	lockUnlocked lockState = iota
	lockReadLocked
	lockAttempting
	lockWriteLocked
)

func (s lockState) String() string {
	switch s {
	case lockUnlocked:
		return "unlocked"
	case lockReadLocked:
		return "read_locked"
	case lockAttempting:
		return "attempting"
	case lockWriteLocked:
		return "write_locked"
	default:
		return "invalid"
	}
}

// distributedRWLock holds the local state machine of the chunk lock.
// The write-lock protocol coordinates with remote peers; read locks
// are purely local because the write protocol guarantees remote
// quiescence while any peer reads.
//
// The lock is not reentrant: a goroutine holding the write lock must
// use the *Locked code paths instead of acquiring again.
type distributedRWLock struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    lockState
	nReaders int
	holder   model.PeerId
}

func newDistributedRWLock() *distributedRWLock {
	l := &distributedRWLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// isWriter reports whether the given peer holds the write lock in the
// local view. Callers hold l.mu.
func (l *distributedRWLock) isWriter(peer model.PeerId) bool {
	return l.state == lockWriteLocked && l.holder == peer
}
