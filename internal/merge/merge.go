// Package merge implements the per-kind change-set rules shared by the apply
// engine and the mirror rebuild: which upserts count, which deletes count,
// and how a previous mirror slice turns into the next one.
//
// Everything here is deterministic and idempotent. Applying the same change
// set against its own output is a no-op.
package merge

import (
	"sort"
	"strings"

	"github.com/mgrattan/permitsync/internal/record"
)

// CleanUpserts drops upserts whose natural key is empty after trimming and
// collapses duplicate keys to the last occurrence, preserving first-seen
// order. Blank-key entries are defensive input validation, not an error:
// the rest of the batch still applies.
func CleanUpserts[T record.Keyed](in []T) []T {
	out := make([]T, 0, len(in))
	index := make(map[string]int, len(in))
	for _, item := range in {
		key := item.Key()
		if key == "" {
			continue
		}
		if at, seen := index[key]; seen {
			out[at] = item
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out
}

// CleanDeletes trims delete ids, drops empties, and dedupes while
// preserving order.
func CleanDeletes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Mirror rebuilds one kind's mirror slice incrementally: every entry whose
// key appears in this call's delete list or upsert list is dropped from the
// previous slice, the upserts are appended, and the result is sorted by
// natural key. Because upserts are folded in after the drop pass, a key
// present in both lists ends up absent, matching the tombstone-wins rule of
// the row merge.
func Mirror[T record.Keyed](prev, upserts []T, deletes []string) []T {
	upserts = CleanUpserts(upserts)
	deletes = CleanDeletes(deletes)

	touched := make(map[string]bool, len(upserts)+len(deletes))
	for _, item := range upserts {
		touched[item.Key()] = true
	}
	deleted := make(map[string]bool, len(deletes))
	for _, id := range deletes {
		touched[id] = true
		deleted[id] = true
	}

	next := make([]T, 0, len(prev)+len(upserts))
	for _, item := range prev {
		if touched[item.Key()] {
			continue
		}
		next = append(next, item)
	}
	for _, item := range upserts {
		if deleted[item.Key()] {
			continue
		}
		next = append(next, item)
	}

	sort.Slice(next, func(i, j int) bool {
		return keyLess(next[i].Key(), next[j].Key())
	})
	return next
}

// AssignmentMirror rebuilds the permit-type to template-id map: deletes
// remove keys, then upserts set keys. An upsert of a permit type that is
// also deleted in the same call therefore does not survive, because the row
// merge tombstones it.
func AssignmentMirror(prev map[string]string, upserts []record.TemplateAssignment, deletes []string) map[string]string {
	next := make(map[string]string, len(prev)+len(upserts))
	for permitType, templateID := range prev {
		next[permitType] = templateID
	}
	deleted := make(map[string]bool)
	for _, permitType := range CleanDeletes(deletes) {
		delete(next, permitType)
		deleted[permitType] = true
	}
	for _, a := range CleanUpserts(upserts) {
		if deleted[a.Key()] {
			continue
		}
		next[a.Key()] = strings.TrimSpace(a.TemplateID)
	}
	return next
}

// keyLess orders mirror entries case-insensitively with the raw key as a
// tiebreaker, matching the list ordering the desktop clients render.
func keyLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}
