package rangelist

import (
	"fmt"

	"github.com/google/btree"
)

const btreeDegree = 16

type item[T Region[T]] struct {
	address uint64
	region  T
}

// List is an address ordered set of regions where no two entries overlap.
//
// List is not safe for concurrent use; the tracking coordinator guards it
// with its own lock.
type List[T Region[T]] struct {
	tree *btree.BTreeG[item[T]]
}

// New returns an empty list.
func New[T Region[T]]() *List[T] {
	return &List[T]{
		tree: btree.NewG(btreeDegree, func(a, b item[T]) bool {
			return a.address < b.address
		}),
	}
}

// Len returns the number of entries.
func (l *List[T]) Len() int {
	return l.tree.Len()
}

// Add inserts region. It panics if region overlaps an existing entry.
func (l *List[T]) Add(region T) {
	r := region.Range()
	if overlaps := l.FindOverlaps(r.Address, r.Size); len(overlaps) != 0 {
		panic(fmt.Sprintf("rangelist: %s overlaps existing %s", r, overlaps[0].Range()))
	}
	l.tree.ReplaceOrInsert(item[T]{address: r.Address, region: region})
}

// Remove deletes region from the list. It reports whether region was present.
func (l *List[T]) Remove(region T) bool {
	key := item[T]{address: region.Range().Address}
	found, ok := l.tree.Get(key)
	if !ok || found.region != region {
		return false
	}
	l.tree.Delete(key)
	return true
}

// FindOverlaps returns, in address order, every entry that intersects
// [address, address+size).
func (l *List[T]) FindOverlaps(address, size uint64) []T {
	if size == 0 {
		return nil
	}

	// Only the closest entry starting at or below address can reach into the
	// range from the left.
	start := address
	l.tree.DescendLessOrEqual(item[T]{address: address}, func(it item[T]) bool {
		if it.region.Range().EndAddress() > address {
			start = it.address
		}
		return false
	})

	var out []T
	l.tree.AscendRange(item[T]{address: start}, item[T]{address: address + size}, func(it item[T]) bool {
		out = append(out, it.region)
		return true
	})
	return out
}

// GetOrAddRegions returns entries covering [address, address+size), creating
// an entry with factory for every gap. Existing entries are returned as they
// are, even when they extend past the requested bounds.
func (l *List[T]) GetOrAddRegions(address, size uint64, factory func(address, size uint64) T) []T {
	overlaps := l.FindOverlaps(address, size)
	result := make([]T, 0, len(overlaps)+1)

	cursor := address
	end := address + size
	for _, region := range overlaps {
		r := region.Range()
		if r.Address > cursor {
			fill := factory(cursor, r.Address-cursor)
			l.Add(fill)
			result = append(result, fill)
		}
		result = append(result, region)
		cursor = r.EndAddress()
	}
	if cursor < end {
		fill := factory(cursor, end-cursor)
		l.Add(fill)
		result = append(result, fill)
	}
	return result
}

// SplitAt splits the entry strictly containing at into two entries meeting at
// at. It reports whether a split happened.
func (l *List[T]) SplitAt(at uint64) bool {
	var (
		target T
		found  bool
	)
	l.tree.DescendLessOrEqual(item[T]{address: at}, func(it item[T]) bool {
		r := it.region.Range()
		if r.Address < at && at < r.EndAddress() {
			target, found = it.region, true
		}
		return false
	})
	if !found {
		return false
	}

	upper := target.Split(at)
	l.tree.ReplaceOrInsert(item[T]{address: at, region: upper})
	return true
}

// Each calls fn for every entry in address order until fn returns false.
func (l *List[T]) Each(fn func(T) bool) {
	l.tree.Ascend(func(it item[T]) bool {
		return fn(it.region)
	})
}
