package models

// Board is a named, insertion-indexed collection of accepted messages. A
// message appears in a board if and only if the board name is in the
// message's boards set.
type Board struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// NextIndex is the next free insertion index. Indexes are reserved and
	// consumed within the same transaction as the insertion they tag.
	NextIndex uint64 `json:"next_index"`
}

// BoardMessageLink associates a message with a board at a fixed insertion
// index. Subscribers use the index as a synchronization watermark.
type BoardMessageLink struct {
	Board     string `json:"board"`
	MessageID string `json:"message_id"`
	Index     uint64 `json:"index"`
}

// SubscribedBoard is the per-(board, subscriber) derived index metadata.
// The thread-link records it owns live under its own key namespace.
type SubscribedBoard struct {
	// ID changes when a subscription is re-created, signalling clients that
	// local ref indexes were reassigned.
	ID          string `json:"id"`
	Board       string `json:"board"`
	Subscriber  string `json:"subscriber"`
	Description string `json:"description,omitempty"`
	// HighestSyncedIndex is the highest parent-board insertion index already
	// merged into this view. Advances monotonically.
	HighestSyncedIndex uint64 `json:"highest_synced_index"`
	// NextRefIndex is the next free local message-reference index.
	NextRefIndex uint64 `json:"next_ref_index"`
}
