package kernel

import "sort"

// record is the kernel's bookkeeping for one object.
type record struct {
	id         ObjectID
	obj        Object
	state      State
	errorCount int
}

// container is a per-state collection that tolerates add/remove during
// iteration. Outside iteration, mutations apply immediately. While the
// iterating flag is set, mutations accumulate in pending buffers and are
// applied when iteration ends: removals first, then additions. Iteration
// visits the objects present at iteration start (minus any removed
// mid-iteration) in ascending id order, and never visits objects added
// mid-iteration.
//
// Iteration is O(n); deferred mutations are O(1) each. The kernel holds a
// single iteration open across all phases of one tick so that transitions
// produced during a tick flush at the end of the tick.
type container struct {
	items           map[ObjectID]*record
	order           []ObjectID // ascending id, mirrors items
	iterating       bool
	pendingAdds     []*record
	pendingRemovals map[ObjectID]struct{}
}

func newContainer() *container {
	return &container{
		items:           make(map[ObjectID]*record),
		pendingRemovals: make(map[ObjectID]struct{}),
	}
}

// add enrolls a record. Duplicate ids are ignored.
func (c *container) add(rec *record) {
	if c.iterating {
		delete(c.pendingRemovals, rec.id)
		c.pendingAdds = append(c.pendingAdds, rec)
		return
	}
	c.insert(rec)
}

// remove drops a record by id.
func (c *container) remove(id ObjectID) {
	if c.iterating {
		c.pendingRemovals[id] = struct{}{}
		// Drop a matching pending add so that add-then-remove inside one
		// iteration nets out to absence.
		for i, rec := range c.pendingAdds {
			if rec.id == id {
				c.pendingAdds = append(c.pendingAdds[:i], c.pendingAdds[i+1:]...)
				break
			}
		}
		return
	}
	c.delete(id)
}

// has reports whether an id is currently visible (pending state included).
func (c *container) has(id ObjectID) bool {
	if _, removed := c.pendingRemovals[id]; removed {
		return false
	}
	if _, ok := c.items[id]; ok {
		return true
	}
	for _, rec := range c.pendingAdds {
		if rec.id == id {
			return true
		}
	}
	return false
}

// len returns the visible size, ignoring pending mutations.
func (c *container) len() int {
	return len(c.items)
}

// beginIter marks the container as iterating so mutations defer.
// Nested calls are not supported; the kernel brackets one tick at a time.
func (c *container) beginIter() {
	c.iterating = true
}

// endIter applies pending removals, then pending additions, then clears the
// buffers. Safe to call even if a callback panicked mid-iteration.
func (c *container) endIter() {
	c.iterating = false
	for id := range c.pendingRemovals {
		c.delete(id)
	}
	c.pendingRemovals = make(map[ObjectID]struct{})
	for _, rec := range c.pendingAdds {
		c.insert(rec)
	}
	c.pendingAdds = c.pendingAdds[:0]
}

// forEach visits visible records in ascending id order. Records removed
// mid-iteration (including by earlier phases of the same tick) are skipped.
// When called outside an open iteration it brackets itself so deferred
// semantics hold for standalone use.
func (c *container) forEach(fn func(*record)) {
	selfBracket := !c.iterating
	if selfBracket {
		c.beginIter()
		defer c.endIter()
	}

	// Bound by the membership at iteration start: pending adds are not in
	// order yet, so appends during the callback are naturally invisible.
	n := len(c.order)
	for i := 0; i < n; i++ {
		id := c.order[i]
		if _, removed := c.pendingRemovals[id]; removed {
			continue
		}
		rec, ok := c.items[id]
		if !ok {
			continue
		}
		fn(rec)
	}
}

// insert places a record keeping order ascending. Ids are monotonic so the
// common case is a plain append; re-adds after pause/resume may need a
// sorted insert.
func (c *container) insert(rec *record) {
	if _, exists := c.items[rec.id]; exists {
		return
	}
	c.items[rec.id] = rec
	if n := len(c.order); n == 0 || c.order[n-1] < rec.id {
		c.order = append(c.order, rec.id)
		return
	}
	i := sort.Search(len(c.order), func(i int) bool { return c.order[i] >= rec.id })
	c.order = append(c.order, 0)
	copy(c.order[i+1:], c.order[i:])
	c.order[i] = rec.id
}

// delete removes a record immediately.
func (c *container) delete(id ObjectID) {
	if _, exists := c.items[id]; !exists {
		return
	}
	delete(c.items, id)
	i := sort.Search(len(c.order), func(i int) bool { return c.order[i] >= id })
	if i < len(c.order) && c.order[i] == id {
		c.order = append(c.order[:i], c.order[i+1:]...)
	}
}
