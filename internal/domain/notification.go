package domain

import "time"

// EntryKind distinguishes first-seen listings from price or currency changes.
type EntryKind string

const (
	EntryNew     EntryKind = "new"
	EntryRevised EntryKind = "revised"
)

// Link is an inline button attached to a notification entry.
type Link struct {
	Label string
	URL   string
}

// Entry is one notification line, bound to the watch revision it announces.
type Entry struct {
	WatchID    int64
	RevisionID int64
	Kind       EntryKind
	Title      string
	URL        string
	SearchURL  string
	OldPrice   string
	NewPrice   string
	ModifiedAt *time.Time
	Text       string
	Links      []Link
}

// Batch is the group of messages sent to one user in one notify run.
type Batch struct {
	User      User
	Header    string
	Entries   []Entry
	Footer    []string
	Total     int
	Withheld  int
	Oversized bool

	// Settled are watches whose price returned to the last notified one; they are
	// marked without a message.
	Settled []WatchRevision
}

// Truncated reports whether some pending watches were left for later runs.
func (b Batch) Truncated() bool {
	return b.Withheld > 0
}

// Marks returns the watch revisions covered by the first n entries.
func (b Batch) Marks(n int) []WatchRevision {
	if n > len(b.Entries) {
		n = len(b.Entries)
	}
	if n <= 0 {
		return nil
	}
	marks := make([]WatchRevision, 0, n)
	for _, entry := range b.Entries[:n] {
		marks = append(marks, WatchRevision{WatchID: entry.WatchID, RevisionID: entry.RevisionID})
	}
	return marks
}
