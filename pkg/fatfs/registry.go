package fatfs

import (
	"github.com/marmos91/dittofat/pkg/chain"
)

// handle identifies a shared entry within the registry arena.
type handle int

const noHandle handle = -1

// sharedEntry is the state every descriptor open on the same path shares:
// the directory record and the chain built from it.
type sharedEntry struct {
	path   string
	entry  *dirEntry
	chain  chain.Chain // nil while the file has no cluster
	parent handle
	refs   int

	// advice is kept here so it survives until the chain is created.
	advice chain.CacheAdvice

	// unlinked entries are dropped from the path index at once and have
	// their clusters freed on the last release.
	unlinked bool
}

// registry is the reference-counted arena of shared entries.
//
// An entry is indexed by path while it has references. The first retain
// records it and retains its parent, so every ancestor of an open entry
// stays resolved; the last release unindexes it and releases the parent.
// Root is created first, has no parent and is never released.
//
// Only accessed from inside the transaction queue.
type registry struct {
	slots  []*sharedEntry
	free   []handle
	byPath map[string]handle
}

func newRegistry() *registry {
	return &registry{byPath: make(map[string]handle)}
}

// create stores a new entry and takes the first reference to it.
func (r *registry) create(path string, entry *dirEntry, ch chain.Chain, parent handle) handle {
	se := &sharedEntry{path: path, entry: entry, chain: ch, parent: parent}
	var h handle
	if n := len(r.free); n > 0 {
		h = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[h] = se
	} else {
		h = handle(len(r.slots))
		r.slots = append(r.slots, se)
	}
	r.retain(h)
	return h
}

func (r *registry) get(h handle) *sharedEntry {
	if h < 0 || int(h) >= len(r.slots) {
		return nil
	}
	return r.slots[h]
}

// lookup returns the live entry indexed under path.
func (r *registry) lookup(path string) (handle, bool) {
	h, ok := r.byPath[path]
	return h, ok
}

func (r *registry) retain(h handle) {
	se := r.slots[h]
	if se.refs == 0 {
		if !se.unlinked {
			r.byPath[se.path] = h
		}
		if se.parent != noHandle {
			r.retain(se.parent)
		}
	}
	se.refs++
}

// release drops a reference. Entries reaching zero are removed, walking up
// through parents, and returned so the caller can reclaim their storage.
func (r *registry) release(h handle) []*sharedEntry {
	var gone []*sharedEntry
	for h != noHandle {
		se := r.slots[h]
		se.refs--
		if se.refs > 0 {
			break
		}
		if cur, ok := r.byPath[se.path]; ok && cur == h {
			delete(r.byPath, se.path)
		}
		r.slots[h] = nil
		r.free = append(r.free, h)
		gone = append(gone, se)
		h = se.parent
	}
	return gone
}

// unindex hides an entry from path lookups without dropping references.
func (r *registry) unindex(h handle) {
	se := r.slots[h]
	se.unlinked = true
	if cur, ok := r.byPath[se.path]; ok && cur == h {
		delete(r.byPath, se.path)
	}
}

// live returns the number of entries reachable by path.
func (r *registry) live() int {
	return len(r.byPath)
}
