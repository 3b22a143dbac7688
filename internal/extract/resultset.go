package extract

import "strings"

// Occurrence is one sighting of an address in one source file.
type Occurrence struct {
	Source  string
	Context string
}

// Entry is one deduplicated address with every sighting that produced it.
type Entry struct {
	Address     string
	Occurrences []Occurrence
}

// Sources returns the distinct source files the address was seen in, in
// first-seen order.
func (e *Entry) Sources() []string {
	seen := make(map[string]struct{}, len(e.Occurrences))
	var out []string
	for _, occ := range e.Occurrences {
		if _, ok := seen[occ.Source]; ok {
			continue
		}
		seen[occ.Source] = struct{}{}
		out = append(out, occ.Source)
	}
	return out
}

// ResultSet folds per-file hits into a job-wide set, deduplicated by
// normalized address while keeping every occurrence for provenance.
// Iteration order is first-seen, so a fixed file order gives a fixed
// artifact.
type ResultSet struct {
	order   []string
	entries map[string]*Entry
}

func NewResultSet() *ResultSet {
	return &ResultSet{entries: make(map[string]*Entry)}
}

func (rs *ResultSet) Add(source string, hits []Hit) {
	for _, hit := range hits {
		key := Normalize(hit.Address)
		if key == "" || !strings.Contains(key, "@") {
			continue
		}
		entry, ok := rs.entries[key]
		if !ok {
			entry = &Entry{Address: key}
			rs.entries[key] = entry
			rs.order = append(rs.order, key)
		}
		entry.Occurrences = append(entry.Occurrences, Occurrence{Source: source, Context: hit.Context})
	}
}

// Len is the number of unique addresses.
func (rs *ResultSet) Len() int { return len(rs.order) }

// Entries returns the deduplicated addresses in first-seen order.
func (rs *ResultSet) Entries() []Entry {
	out := make([]Entry, 0, len(rs.order))
	for _, key := range rs.order {
		out = append(out, *rs.entries[key])
	}
	return out
}
