package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/btree"
)

// nameEntry is a btree item mapping a visible filename to a note id. The
// tree keeps directory listings in filename order without re-sorting on
// every read.
type nameEntry struct {
	name string
	id   string
}

func (e nameEntry) Less(than btree.Item) bool {
	return e.name < than.(nameEntry).name
}

// sanitizeTitle maps a note title to a path-compatible base name. The
// mapping is deterministic so normal titles stay reversibly mapped:
//   - `/` and NUL become `-` (the only bytes a POSIX filename can't carry)
//   - leading dots are stripped so notes can't hide from listings
//   - an empty result falls back to the note id
func sanitizeTitle(title, id string) string {
	sanitized := strings.Map(func(r rune) rune {
		if r == '/' || r == 0 {
			return '-'
		}
		return r
	}, title)
	sanitized = strings.TrimLeft(sanitized, ".")

	if sanitized == "" {
		return id
	}
	return sanitized
}

// rebuildNames reassigns every live note's visible filename and rebuilds the
// name index. Notes are processed in (created_at, id) order so duplicate
// titles get the same ` (n)` suffixes in every process: two remote notes
// titled "Ideas" always list as "Ideas.txt" and "Ideas (1).txt".
//
// Callers must hold the store lock.
func (s *Store) rebuildNames() {
	live := make([]*note, 0, len(s.notes))
	for _, n := range s.notes {
		if !n.deleted {
			live = append(live, n)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].createdAt.Equal(live[j].createdAt) {
			return live[i].createdAt.Before(live[j].createdAt)
		}
		return live[i].id < live[j].id
	})

	s.names.Clear(false)
	assigned := map[string]bool{}
	for _, n := range live {
		base := sanitizeTitle(n.title, n.id)
		name := base + s.ext
		for i := 1; assigned[name]; i++ {
			name = fmt.Sprintf("%s (%d)%s", base, i, s.ext)
		}
		assigned[name] = true
		n.name = name
		s.names.ReplaceOrInsert(nameEntry{name: name, id: n.id})
	}
}

// titleFromName strips the configured extension back off a filename. The
// extension is only trimmed when present, so files created without it keep
// their full name as the title.
func (s *Store) titleFromName(name string) string {
	return strings.TrimSuffix(name, s.ext)
}
