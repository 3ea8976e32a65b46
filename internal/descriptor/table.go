package descriptor

import "math/bits"

// Table maps small non-negative descriptor numbers to objects, always
// handing out the lowest free number on insertion.
//
// Occupancy is tracked in 64 bits masks so that finding the lowest free slot
// scans one word per 64 descriptors. A table may be bounded with SetLimit,
// in which case insertions beyond the limit fail.
//
// Table is not safe for concurrent use; callers serialize access.
type Table[Descriptor ~int32, Object any] struct {
	masks []uint64
	table []Object
	limit int
}

// SetLimit bounds the number of descriptors the table may hand out. Zero
// means no limit.
func (t *Table[Descriptor, Object]) SetLimit(n int) { t.limit = n }

// Limit returns the bound configured with SetLimit.
func (t *Table[Descriptor, Object]) Limit() int { return t.limit }

// Len returns the number of objects stored in the table.
func (t *Table[Descriptor, Object]) Len() (n int) {
	for _, mask := range t.masks {
		n += bits.OnesCount64(mask)
	}
	return n
}

func (t *Table[Descriptor, Object]) grow(n int) {
	n = (n + 63) / 64
	if n <= len(t.masks) {
		return
	}
	masks := make([]uint64, n)
	copy(masks, t.masks)
	table := make([]Object, n*64)
	copy(table, t.table)
	t.masks, t.table = masks, table
}

// Insert stores object at the lowest free descriptor. The boolean is false
// when the table is full.
func (t *Table[Descriptor, Object]) Insert(object Object) (Descriptor, bool) {
	return t.InsertFrom(0, object)
}

// InsertFrom stores object at the lowest free descriptor greater or equal to
// min, which is the allocation rule of fcntl(F_DUPFD).
func (t *Table[Descriptor, Object]) InsertFrom(min Descriptor, object Object) (desc Descriptor, ok bool) {
	if min < 0 {
		return -1, false
	}
	for {
		for index := int(min) / 64; index < len(t.masks); index++ {
			mask := t.masks[index]
			if index == int(min)/64 {
				// Pretend the slots below min are taken.
				mask |= uint64(1)<<(uint(min)%64) - 1
			}
			if ^mask == 0 {
				continue
			}
			shift := bits.TrailingZeros64(^mask)
			desc = Descriptor(index*64 + shift)
			if t.limit > 0 && int(desc) >= t.limit {
				return -1, false
			}
			t.table[desc] = object
			t.masks[index] |= 1 << shift
			return desc, true
		}
		if t.limit > 0 && len(t.masks)*64 >= t.limit {
			return -1, false
		}
		n := 2 * len(t.masks) * 64
		if n < int(min)+1 {
			n = int(min) + 1
		}
		if n == 0 {
			n = 64
		}
		t.grow(n)
	}
}

// Assign stores object at desc. If another object was stored there it is
// returned and replaced is true.
func (t *Table[Descriptor, Object]) Assign(desc Descriptor, object Object) (prev Object, replaced bool) {
	if int(desc) >= len(t.table) {
		t.grow(int(desc) + 1)
	}
	index, shift := uint(desc)/64, uint(desc)%64
	if (t.masks[index] & (1 << shift)) != 0 {
		prev, replaced = t.table[desc], true
	}
	t.masks[index] |= 1 << shift
	t.table[desc] = object
	return
}

// Access returns a pointer to the object stored at desc, or nil.
func (t *Table[Descriptor, Object]) Access(desc Descriptor) *Object {
	if i := int(desc); i >= 0 && i < len(t.table) {
		index, shift := uint(desc)/64, uint(desc)%64
		if (t.masks[index] & (1 << shift)) != 0 {
			return &t.table[i]
		}
	}
	return nil
}

// Lookup returns the object stored at desc.
func (t *Table[Descriptor, Object]) Lookup(desc Descriptor) (object Object, found bool) {
	if ptr := t.Access(desc); ptr != nil {
		object, found = *ptr, true
	}
	return
}

// Delete removes and returns the object stored at desc.
func (t *Table[Descriptor, Object]) Delete(desc Descriptor) (object Object, found bool) {
	if desc < 0 {
		return
	}
	if index, shift := uint(desc)/64, uint(desc)%64; int(index) < len(t.masks) {
		mask := t.masks[index]
		if (mask & (1 << shift)) != 0 {
			var zero Object
			object, found = t.table[desc], true
			t.table[desc] = zero
			t.masks[index] = mask &^ (1 << shift)
		}
	}
	return
}

// Range calls f for each object in ascending descriptor order. f returns
// false to stop the iteration.
func (t *Table[Descriptor, Object]) Range(f func(Descriptor, Object) bool) {
	for i, mask := range t.masks {
		for mask != 0 {
			j := bits.TrailingZeros64(mask)
			mask &^= 1 << j
			if desc := Descriptor(i*64 + j); !f(desc, t.table[desc]) {
				return
			}
		}
	}
}

// Clone returns a table holding the same objects at the same descriptors.
// Objects are copied by value; callers account for shared references.
func (t *Table[Descriptor, Object]) Clone() *Table[Descriptor, Object] {
	c := &Table[Descriptor, Object]{
		masks: make([]uint64, len(t.masks)),
		table: make([]Object, len(t.table)),
		limit: t.limit,
	}
	copy(c.masks, t.masks)
	copy(c.table, t.table)
	return c
}

// Reset clears the content of the table.
func (t *Table[Descriptor, Object]) Reset() {
	clear(t.masks)
	clear(t.table)
}
