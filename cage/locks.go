package cage

import (
	"sync"

	"github.com/stealthrocket/microvisor/internal/advisory"
)

// inode identifies a file across open file descriptions.
type inode struct {
	dev uint64
	ino uint64
}

// lockTable holds the flock locks of the files opened by the cages of a
// registry. A lock lives as long as a description of its file uses it.
type lockTable struct {
	mutex sync.Mutex
	locks map[inode]*lockRef
}

type lockRef struct {
	lock advisory.Lock
	refs int
}

func (t *lockTable) get(key inode) *advisory.Lock {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.locks == nil {
		t.locks = make(map[inode]*lockRef)
	}
	ref := t.locks[key]
	if ref == nil {
		ref = new(lockRef)
		t.locks[key] = ref
	}
	ref.refs++
	return &ref.lock
}

func (t *lockTable) put(key inode) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if ref := t.locks[key]; ref != nil {
		if ref.refs--; ref.refs == 0 {
			delete(t.locks, key)
		}
	}
}
