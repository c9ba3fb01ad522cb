package state

// KeySet is an insertion-ordered set of keys. Membership is O(1) and removal
// keeps the order of the remaining keys.
type KeySet struct {
	keys  []string
	index map[string]struct{}
}

// NewKeySet seeds a set with keys, skipping duplicates.
func NewKeySet(keys ...string) *KeySet {
	s := &KeySet{index: map[string]struct{}{}}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add appends key if absent and reports whether the set changed.
func (s *KeySet) Add(key string) bool {
	if s.index == nil {
		s.index = map[string]struct{}{}
	}
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = struct{}{}
	s.keys = append(s.keys, key)
	return true
}

// Remove drops key if present and reports whether the set changed.
func (s *KeySet) Remove(key string) bool {
	if _, ok := s.index[key]; !ok {
		return false
	}
	delete(s.index, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

// Has reports membership.
func (s *KeySet) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Len returns the number of keys.
func (s *KeySet) Len() int {
	return len(s.keys)
}

// Keys returns a copy of the keys in insertion order.
func (s *KeySet) Keys() []string {
	if len(s.keys) == 0 {
		return nil
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}
