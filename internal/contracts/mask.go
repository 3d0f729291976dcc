package contracts

// Mask selects instruments of a universe by row index
type Mask []bool

// NewMask returns an all-false mask of length n
func NewMask(n int) Mask {
	return make(Mask, n)
}

// FullMask returns an all-true mask of length n
func FullMask(n int) Mask {
	m := make(Mask, n)
	for i := range m {
		m[i] = true
	}
	return m
}

// Clone returns an independent copy
func (m Mask) Clone() Mask {
	out := make(Mask, len(m))
	copy(out, m)
	return out
}

// And returns m ∧ o. Masks of different length are treated as false past the shorter one.
func (m Mask) And(o Mask) Mask {
	out := make(Mask, len(m))
	for i := range m {
		out[i] = m[i] && i < len(o) && o[i]
	}
	return out
}

// AndNot returns m ∧ ¬o
func (m Mask) AndNot(o Mask) Mask {
	out := make(Mask, len(m))
	for i := range m {
		out[i] = m[i] && !(i < len(o) && o[i])
	}
	return out
}

// Or returns m ∨ o
func (m Mask) Or(o Mask) Mask {
	out := make(Mask, len(m))
	for i := range m {
		out[i] = m[i] || (i < len(o) && o[i])
	}
	return out
}

// Indices returns the selected row indices in ascending order
func (m Mask) Indices() []int {
	idx := make([]int, 0, len(m))
	for i, ok := range m {
		if ok {
			idx = append(idx, i)
		}
	}
	return idx
}

// Count returns the number of selected rows
func (m Mask) Count() int {
	n := 0
	for _, ok := range m {
		if ok {
			n++
		}
	}
	return n
}
