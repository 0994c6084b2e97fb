package session

import (
	"time"

	"github.com/google/btree"
)

// idleItem positions a session in the keep-alive tree. Items order by
// deadline and then by session ID, so equal deadlines never collide.
type idleItem struct {
	at time.Time
	id uint64
	s  *Session
}

func idleLess(a, b idleItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// keepAlive is the time-ordered set used for idle eviction. It is not safe
// for concurrent use; Manager.mu guards it.
type keepAlive struct {
	tree *btree.BTreeG[idleItem]
}

func newKeepAlive() *keepAlive {
	return &keepAlive{tree: btree.NewG(16, idleLess)}
}

// touch moves s to the given activity time.
func (k *keepAlive) touch(s *Session, at time.Time) {
	if !s.idleAt.IsZero() {
		k.tree.Delete(idleItem{at: s.idleAt, id: s.id})
	}
	s.idleAt = at
	k.tree.ReplaceOrInsert(idleItem{at: at, id: s.id, s: s})
}

func (k *keepAlive) remove(s *Session) {
	if s.idleAt.IsZero() {
		return
	}
	k.tree.Delete(idleItem{at: s.idleAt, id: s.id})
	s.idleAt = time.Time{}
}

// expired returns the sessions whose last activity is before cutoff, oldest
// first.
func (k *keepAlive) expired(cutoff time.Time) []*Session {
	var out []*Session
	// ID 0 sorts before every item at cutoff, so only strictly older
	// activity qualifies.
	k.tree.AscendLessThan(idleItem{at: cutoff}, func(item idleItem) bool {
		out = append(out, item.s)
		return true
	})
	return out
}

func (k *keepAlive) len() int {
	return k.tree.Len()
}
