package spack

// NameTable is the explicit, caller-owned side-channel that tracks the
// dynamic key names (e.g. interface names) a session's pack/unpack calls
// have seen, so a caller reporting the same interfaces tick after tick can
// reuse one stable table instead of rediscovering them each time. It is
// never serialised; dynamic keys always travel on the wire as a literal
// (255, len, name) triple, with or without a table in hand.
type NameTable struct {
	names []string
	index map[string]int
}

// NewNameTable returns an empty, ready-to-use table.
func NewNameTable() *NameTable {
	return &NameTable{index: make(map[string]int)}
}

// Intern records name if it is not already present and returns its stable
// offset within the table.
func (t *NameTable) Intern(name string) int {
	if off, ok := t.index[name]; ok {
		return off
	}
	off := len(t.names)
	t.names = append(t.names, name)
	t.index[name] = off
	return off
}

// Name returns the name previously interned at offset off.
func (t *NameTable) Name(off int) (string, bool) {
	if off < 0 || off >= len(t.names) {
		return "", false
	}
	return t.names[off], true
}

// Len reports how many names have been interned.
func (t *NameTable) Len() int {
	return len(t.names)
}
