package ledger

// nameSet is a set of filenames that remembers insertion order, so the ledger file
// keeps a stable layout across saves.
type nameSet struct {
	order []string
	index map[string]struct{}
}

func newNameSet() *nameSet {
	return &nameSet{index: map[string]struct{}{}}
}

// add reports whether name was newly inserted.
func (s *nameSet) add(name string) bool {
	if _, ok := s.index[name]; ok {
		return false
	}

	s.index[name] = struct{}{}
	s.order = append(s.order, name)

	return true
}

func (s *nameSet) removeLast() {
	if len(s.order) == 0 {
		return
	}

	last := s.order[len(s.order)-1]
	s.order = s.order[:len(s.order)-1]
	delete(s.index, last)
}

func (s *nameSet) has(name string) bool {
	_, ok := s.index[name]

	return ok
}

func (s *nameSet) size() int {
	return len(s.order)
}

func (s *nameSet) list() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)

	return out
}
