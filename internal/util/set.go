package util

// Set holds a unique collection of comparable values. The zero value is not
// usable; construct with SetOf or make
type Set[K comparable] map[K]struct{}

// SetOf builds a set from the given elements, dropping duplicates
func SetOf[K comparable](elements ...K) Set[K] {
	s := make(Set[K], len(elements))
	for _, elem := range elements {
		s.Add(elem)
	}
	return s
}

// Add inserts an element; adding an existing element is a no-op
func (s Set[K]) Add(key K) {
	s[key] = struct{}{}
}

// Remove deletes an element; removing a missing element is a no-op
func (s Set[K]) Remove(key K) {
	delete(s, key)
}

// Contains reports whether the element is in the set
func (s Set[K]) Contains(key K) bool {
	_, ok := s[key]
	return ok
}

// Len returns the number of elements in the set
func (s Set[K]) Len() int {
	return len(s)
}

// IsEmpty reports whether the set has no elements
func (s Set[K]) IsEmpty() bool {
	return len(s) == 0
}
