// Package intervals implements an augmented search tree over sector
// ranges. Devices keep one tree for writes and one for reads; the
// conflict resolver walks overlaps to order concurrent requests.
package intervals

import "math/rand"

// Interval is one sector range tracked by a tree. It is embedded in the
// request structs so membership needs no extra allocation; an Interval
// may be in at most one tree at a time.
type Interval struct {
	Sector uint64 // start, in 512-byte sectors
	Size   uint32 // length, in bytes
	Local  bool   // originated on this node, as opposed to a peer
	// Owner points back at the request embedding this interval.
	Owner interface{}

	left, right *Interval
	priority    uint32
	seq         uint64
	maxEnd      uint64
	inTree      bool
}

// End returns the first sector past the range.
func (i *Interval) End() uint64 {
	return i.Sector + uint64(i.Size>>9)
}

// InTree reports whether the interval is currently held by a tree.
func (i *Interval) InTree() bool { return i.inTree }

func (i *Interval) update() {
	i.maxEnd = i.End()
	if i.left != nil && i.left.maxEnd > i.maxEnd {
		i.maxEnd = i.left.maxEnd
	}
	if i.right != nil && i.right.maxEnd > i.maxEnd {
		i.maxEnd = i.right.maxEnd
	}
}

// Tree holds a set of intervals ordered by start sector. It is a treap:
// heap-ordered on random priorities, search-ordered on sectors, with
// every node augmented by the maximum end sector of its subtree.
type Tree struct {
	root    *Interval
	size    int
	nextSeq uint64
	rng     rand.Source
}

// NewTree constructs an empty tree.
func NewTree() *Tree {
	return &Tree{rng: rand.NewSource(0x5eed)}
}

// Len returns the number of intervals held.
func (t *Tree) Len() int { return t.size }

func (t *Tree) nextPriority() uint32 {
	return uint32(t.rng.Int63())
}

func rotateRight(n *Interval) *Interval {
	l := n.left
	n.left = l.right
	l.right = n
	n.update()
	l.update()
	return l
}

func rotateLeft(n *Interval) *Interval {
	r := n.right
	n.right = r.left
	r.left = n
	n.update()
	r.update()
	return r
}

// less orders intervals by start sector, breaking ties on insertion
// order so equal ranges from different requests coexist.
func less(a, b *Interval) bool {
	if a.Sector != b.Sector {
		return a.Sector < b.Sector
	}
	return a.seq < b.seq
}

func insert(n, node *Interval) *Interval {
	if n == nil {
		node.update()
		return node
	}
	if less(node, n) {
		n.left = insert(n.left, node)
		if n.left.priority > n.priority {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, node)
		if n.right.priority > n.priority {
			n = rotateLeft(n)
		}
	}
	n.update()
	return n
}

func remove(n, node *Interval) *Interval {
	if n == nil {
		return nil
	}
	if n == node {
		switch {
		case n.left == nil:
			return n.right
		case n.right == nil:
			return n.left
		case n.left.priority > n.right.priority:
			n = rotateRight(n)
			n.right = remove(n.right, node)
		default:
			n = rotateLeft(n)
			n.left = remove(n.left, node)
		}
	} else if less(node, n) {
		n.left = remove(n.left, node)
	} else {
		n.right = remove(n.right, node)
	}
	n.update()
	return n
}

// Insert adds an interval to the tree.
func (t *Tree) Insert(node *Interval) {
	node.left, node.right = nil, nil
	node.priority = t.nextPriority()
	t.nextSeq++
	node.seq = t.nextSeq
	node.inTree = true
	t.root = insert(t.root, node)
	t.size++
}

// Remove takes an interval out of the tree. Removing an interval that
// is not held is a no-op.
func (t *Tree) Remove(node *Interval) {
	if !node.inTree {
		return
	}
	t.root = remove(t.root, node)
	node.inTree = false
	node.left, node.right = nil, nil
	t.size--
}

func overlaps(i *Interval, sector, end uint64) bool {
	return i.Sector < end && sector < i.End()
}

func walkOverlaps(n *Interval, sector, end uint64, fn func(*Interval) bool) bool {
	if n == nil || n.maxEnd <= sector {
		return true
	}
	if !walkOverlaps(n.left, sector, end, fn) {
		return false
	}
	if overlaps(n, sector, end) {
		if !fn(n) {
			return false
		}
	}
	if n.Sector >= end {
		return true
	}
	return walkOverlaps(n.right, sector, end, fn)
}

// ForEachOverlap calls fn for every interval intersecting the range
// [sector, sector+size>>9), in start order, until fn returns false.
func (t *Tree) ForEachOverlap(sector uint64, size uint32, fn func(*Interval) bool) {
	walkOverlaps(t.root, sector, sector+uint64(size>>9), fn)
}

// FirstOverlap returns the lowest interval intersecting the range, or
// nil.
func (t *Tree) FirstOverlap(sector uint64, size uint32) *Interval {
	var found *Interval
	t.ForEachOverlap(sector, size, func(i *Interval) bool {
		found = i
		return false
	})
	return found
}
