package models

// Origin tags where a message came from. Fetched messages arrived from the
// network; own messages are pending publication and must never be linked
// into a subscriber's view before they were fetched back.
type Origin string

const (
	OriginFetched Origin = "fetched"
	OriginOwn     Origin = "own"
)

// Message is an immutable, author-signed unit of content. Parent and thread
// relationships are carried as identifiers only; live lookups go through the
// message manager so malicious data cannot create reference cycles.
type Message struct {
	ID string `json:"id"`
	// URI is the content address of the message. Empty until published.
	URI    string `json:"uri,omitempty"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Author string `json:"author"`
	// Date is the author-asserted creation time (UTC ns).
	Date int64 `json:"date"`
	// FetchDate is the local receipt time (UTC ns), stamped at ingestion.
	FetchDate int64 `json:"fetch_date,omitempty"`
	// Boards lists the boards this message was posted to, sorted.
	Boards       []string `json:"boards"`
	ReplyToBoard string   `json:"reply_to_board,omitempty"`
	// ParentID/ParentURI reference the message being replied to, if any.
	ParentID  string `json:"parent_id,omitempty"`
	ParentURI string `json:"parent_uri,omitempty"`
	// ThreadID/ThreadURI reference the thread root. A message without a
	// thread URI is itself a thread root.
	ThreadID  string `json:"thread_id,omitempty"`
	ThreadURI string `json:"thread_uri,omitempty"`
	Origin    Origin `json:"origin,omitempty"`
}

// IsThread reports whether the message is a thread root. A message is a
// thread root if and only if it carries no thread URI - even when it names a
// parent message. Replying to a non-root as if it were a root forks a thread;
// that is a supported condition, not an error.
func (m *Message) IsThread() bool {
	return m.ThreadURI == ""
}

// PostedTo reports whether the message names the given board.
func (m *Message) PostedTo(board string) bool {
	for _, b := range m.Boards {
		if b == board {
			return true
		}
	}
	return false
}
