package feed

import "time"

// Window is the in-memory working set of admitted entries, keyed by item ID
// and kept in admission order. It is not safe for concurrent use; the Updater
// serializes access.
type Window struct {
	entries map[string]Entry
	order   []string
}

func NewWindow() *Window {
	return &Window{entries: map[string]Entry{}}
}

// Admit inserts item when its ID is absent. An existing entry keeps its
// original FirstSeenAt.
func (w *Window) Admit(item Item, now time.Time) bool {
	id := item.ID()
	if id == "" {
		return false
	}
	if _, ok := w.entries[id]; ok {
		return false
	}
	w.entries[id] = Entry{Item: item, FirstSeenAt: now}
	w.order = append(w.order, id)
	return true
}

// Prune removes and returns every entry older than retention at now.
// An entry exactly retention old is kept.
func (w *Window) Prune(now time.Time, retention time.Duration) []Entry {
	var removed []Entry
	kept := w.order[:0]
	for _, id := range w.order {
		e := w.entries[id]
		if now.Sub(e.FirstSeenAt) > retention {
			removed = append(removed, e)
			delete(w.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	clear(w.order[len(kept):])
	w.order = kept
	return removed
}

// Remove drops id. It reports whether id was present.
func (w *Window) Remove(id string) bool {
	if _, ok := w.entries[id]; !ok {
		return false
	}
	delete(w.entries, id)
	for i, oid := range w.order {
		if oid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	return true
}

func (w *Window) Snapshot() []Entry {
	out := make([]Entry, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.entries[id])
	}
	return out
}

func (w *Window) Has(id string) bool {
	_, ok := w.entries[id]
	return ok
}

func (w *Window) Len() int { return len(w.order) }
