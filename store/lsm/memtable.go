package lsm

import "sort"

// memtable is the in-memory write buffer of one column family.
// Callers synchronise access; the DB holds its lock around mutations.
type memtable struct {
	entries map[string]string
}

func newMemtable() *memtable {
	return &memtable{entries: make(map[string]string)}
}

func (m *memtable) put(key, value string) {
	m.entries[key] = value
}

func (m *memtable) get(key string) (string, bool) {
	v, ok := m.entries[key]
	return v, ok
}

func (m *memtable) len() int {
	return len(m.entries)
}

// sorted returns the buffered entries in key order.
func (m *memtable) sorted() []entry {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, entry{key: k, value: m.entries[k]})
	}
	return out
}

func (m *memtable) reset() {
	m.entries = make(map[string]string)
}
