// Package history keeps the bounded clipboard history and implements the
// content-match policy that makes dual-transport broadcasting safe.
package history

import "time"

// hashPrefixLen bounds how much of the content feeds the match hash, so
// matching large payloads stays cheap.
const hashPrefixLen = 1024

// DefaultLimit is the retention limit when none is configured.
const DefaultLimit = 50

// ContentHash computes the polynomial hash h = h·31 + byte over the first
// 1024 bytes of content.
func ContentHash(content []byte) uint64 {
	if len(content) > hashPrefixLen {
		content = content[:hashPrefixLen]
	}
	var h uint64
	for _, b := range content {
		h = h*31 + uint64(b)
	}
	return h
}

// Entry is one history item. Two entries represent "the same" clipboard
// content when Matches returns true; origin device and timestamp are
// deliberately excluded from that comparison.
type Entry struct {
	ContentType string
	Length      int
	Hash        uint64
	Time        time.Time
	Origin      string
	Pinned      bool
	Value       []byte
}

// NewEntry builds an entry from raw clipboard content.
func NewEntry(contentType string, value []byte, origin string, now time.Time) *Entry {
	return &Entry{
		ContentType: contentType,
		Length:      len(value),
		Hash:        ContentHash(value),
		Time:        now,
		Origin:      origin,
		Value:       value,
	}
}

// Matches reports whether a and b represent the same content: equal type,
// equal byte length, equal first-1KB hash. Symmetric by construction.
func Matches(a, b *Entry) bool {
	return a.ContentType == b.ContentType && a.Length == b.Length && a.Hash == b.Hash
}

// Outcome describes what Apply did with an entry.
type Outcome int

const (
	// OutcomeDuplicateTop: the entry matched the current top of history
	// and was discarded.
	OutcomeDuplicateTop Outcome = iota
	// OutcomeRefreshed: the entry matched an older item, which was bumped
	// to the top; no new entry was created.
	OutcomeRefreshed
	// OutcomeInserted: a new entry was added.
	OutcomeInserted
)

// History is the bounded list of clipboard entries, newest first. It is
// owned by the sync coordinator's goroutine and is not safe for concurrent
// use.
type History struct {
	limit   int
	entries []*Entry
}

func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{limit: limit}
}

// Top returns the newest entry, or nil when the history is empty.
func (h *History) Top() *Entry {
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[0]
}

// Entries returns the history newest-first. The slice is shared; callers
// must not mutate it.
func (h *History) Entries() []*Entry { return h.entries }

func (h *History) Len() int { return len(h.entries) }

// Apply runs the content-match policy for a decoded entry: discard when it
// matches the top, bump-and-surface when it matches an older item, insert
// otherwise. Insertion trims the oldest un-pinned entries beyond the limit;
// pinned entries are never trimmed.
func (h *History) Apply(e *Entry, now time.Time) Outcome {
	if top := h.Top(); top != nil && Matches(top, e) {
		return OutcomeDuplicateTop
	}

	for i, existing := range h.entries {
		if Matches(existing, e) {
			existing.Time = now
			copy(h.entries[1:i+1], h.entries[:i])
			h.entries[0] = existing
			return OutcomeRefreshed
		}
	}

	h.entries = append([]*Entry{e}, h.entries...)
	h.trim()
	return OutcomeInserted
}

// Pin marks the entry matching e as pinned, exempting it from trimming.
func (h *History) Pin(e *Entry, pinned bool) {
	for _, existing := range h.entries {
		if Matches(existing, e) {
			existing.Pinned = pinned
			return
		}
	}
}

func (h *History) trim() {
	excess := len(h.entries) - h.limit
	for i := len(h.entries) - 1; i >= 0 && excess > 0; i-- {
		if h.entries[i].Pinned {
			continue
		}
		h.entries = append(h.entries[:i], h.entries[i+1:]...)
		excess--
	}
}
