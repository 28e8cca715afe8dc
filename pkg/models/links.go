package models

// ThreadLink represents a thread root inside one subscriber's view. A real
// link is backed by a fetched message; a ghost link carries only the thread
// ID and the best known reply date, created when a reply arrived before its
// root was fetched.
type ThreadLink struct {
	ThreadID string `json:"thread_id"`
	// MessageID is empty while the link is a ghost.
	MessageID string `json:"message_id,omitempty"`
	// Index is the subscriber-local reference index, used as a stable
	// pagination key by external protocols.
	Index uint64 `json:"index"`
	// MessageDate is the root's own date. Zero for ghosts.
	MessageDate int64 `json:"message_date,omitempty"`
	// LastReplyDate is the max over the root's date and all known replies.
	// Thread listings sort descending by this value.
	LastReplyDate int64 `json:"last_reply_date"`
	WasRead       bool  `json:"was_read,omitempty"`
	WasThreadRead bool  `json:"was_thread_read,omitempty"`
}

// IsGhost reports whether the thread root message has not been fetched yet.
func (t *ThreadLink) IsGhost() bool {
	return t.MessageID == ""
}

// OnMessageAdded records a new message in the thread: the thread becomes
// unread and the last reply date is extended.
func (t *ThreadLink) OnMessageAdded(date int64) {
	t.WasThreadRead = false
	if date > t.LastReplyDate {
		t.LastReplyDate = date
	}
}

// ReplyLink represents a non-root message inside one subscriber's view.
// Reply links are only created for fetched messages.
type ReplyLink struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Index     uint64 `json:"index"`
	MessageDate int64 `json:"message_date"`
	WasRead     bool  `json:"was_read,omitempty"`
	// ParentResolved is set once the direct parent message was indexed.
	ParentResolved bool `json:"parent_resolved,omitempty"`
	// ThreadResolved is set once the thread root itself was indexed.
	ThreadResolved bool `json:"thread_resolved,omitempty"`
}

// RefKind discriminates the two reference record kinds.
type RefKind string

const (
	RefThread RefKind = "thread"
	RefReply  RefKind = "reply"
)

// MessageRef is the unified pagination view over thread and reply links.
type MessageRef struct {
	Kind      RefKind `json:"kind"`
	ThreadID  string  `json:"thread_id"`
	MessageID string  `json:"message_id,omitempty"`
	Index     uint64  `json:"index"`
	Date      int64   `json:"date"`
	WasRead   bool    `json:"was_read"`
}
