package progress

import (
	"math/bits"
	"sync"
)

// Node is one level of a weighted progress tree.
//
// Every node measures its own work in units (bytes, for upload nodes) out of a
// total. A child created with AddChild contributes weight units of its parent's
// total in proportion to its own completion. Completing a child retires its full
// weight into the parent; detaching it retires only what it had already
// contributed and hands the remaining weight back to the caller, who reassigns
// it to replacement children. Progress therefore never moves backwards and the
// root reaches exactly its total once every leaf completes.
//
// All nodes of one tree share a single lock.
type Node struct {
	mu *sync.Mutex

	parent    *Node
	weight    int64 // Units of parent.total this node accounts for
	total     int64
	completed int64 // Own units, plus weight retired from finished children
	children  map[*Node]struct{}
	finished  bool
}

// NewNode creates a root node measuring total units.
func NewNode(total int64) *Node {
	return &Node{
		mu:       &sync.Mutex{},
		total:    total,
		children: make(map[*Node]struct{}),
	}
}

// AddChild creates a child measuring total units that accounts for weight units of n.
func (n *Node) AddChild(total, weight int64) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	child := &Node{
		mu:       n.mu,
		parent:   n,
		weight:   weight,
		total:    total,
		children: make(map[*Node]struct{}),
	}
	if !n.finished {
		n.children[child] = struct{}{}
	}
	return child
}

// SetCompleted records units of own work done. Values below the current one are ignored.
func (n *Node) SetCompleted(units int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.finished {
		return
	}
	if units > n.total {
		units = n.total
	}
	if units > n.completed {
		n.completed = units
	}
}

// Complete marks n done and retires its full weight into the parent.
func (n *Node) Complete() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.finished {
		return
	}
	n.completed = n.total
	n.children = map[*Node]struct{}{}
	n.retireLocked(n.weight)
}

// Detach removes n from its parent, keeping the contribution it has already made.
// It returns the part of n's weight that is still unaccounted for.
func (n *Node) Detach() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.finished {
		return 0
	}
	contributed := n.contributionLocked()
	n.retireLocked(contributed)
	return n.weight - contributed
}

// Completed returns the units done, including children's proportional contributions.
func (n *Node) Completed() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.completedLocked()
}

// Total returns the node's total units.
func (n *Node) Total() int64 {
	return n.total
}

// Fraction returns progress in [0, 1].
func (n *Node) Fraction() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.total <= 0 {
		if n.finished {
			return 1
		}
		return 0
	}
	return float64(n.completedLocked()) / float64(n.total)
}

// IsFinished reports whether the node was completed or detached.
func (n *Node) IsFinished() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.finished
}

func (n *Node) completedLocked() int64 {
	done := n.completed
	for child := range n.children {
		done += child.contributionLocked()
	}
	if done > n.total {
		done = n.total
	}
	return done
}

// contributionLocked is the number of parent units n currently accounts for.
func (n *Node) contributionLocked() int64 {
	if n.total <= 0 || n.weight <= 0 {
		return 0
	}
	// weight*completed overflows int64 once parts reach gigabytes
	hi, lo := bits.Mul64(uint64(n.weight), uint64(n.completedLocked()))
	q, _ := bits.Div64(hi, lo, uint64(n.total))
	return int64(q)
}

func (n *Node) retireLocked(units int64) {
	n.finished = true
	if n.parent == nil {
		return
	}
	delete(n.parent.children, n)
	if !n.parent.finished {
		n.parent.completed += units
	}
}
