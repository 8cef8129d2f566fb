package supervisor

import (
	"github.com/google/btree"
	"github.com/pkg/errors"
)

const maxPort = 65535

var ErrNoPort = errors.New("no free worker port")

// portSet is an ordered set of ports in use.
type portSet struct {
	tree *btree.BTreeG[int]
}

func newPortSet(ports ...int) *portSet {
	ps := &portSet{tree: btree.NewOrderedG[int](8)}
	for _, p := range ports {
		ps.add(p)
	}
	return ps
}

func (ps *portSet) add(port int) {
	if port > 0 {
		ps.tree.ReplaceOrInsert(port)
	}
}

func (ps *portSet) has(port int) bool {
	return ps.tree.Has(port)
}

// lowestFree returns the smallest port >= base not in the set. It walks the
// used ports from base upwards and stops at the first gap.
func (ps *portSet) lowestFree(base int) (int, error) {
	candidate := base
	ps.tree.AscendGreaterOrEqual(base, func(p int) bool {
		if p != candidate {
			return false
		}
		candidate++
		return true
	})
	if candidate > maxPort {
		return 0, ErrNoPort
	}
	return candidate, nil
}
