package board

import (
	"fmt"
	"strings"

	"forumdb/pkg/store"
)

// Key layout. Board names and subscriber routing keys never contain ':'
// (names match the board name pattern, subscribers must be base64url;
// both are checked before a subscription is created), so segments are
// unambiguous. Numeric segments are zero-padded so key order equals index
// order.
//
//	msg:<id>                                      message body
//	board:<name>:meta                             board metadata
//	board:<name>:idx:<%020d>                      insertion-order link
//	sub:<subscriber>:<board>:meta                 subscription metadata
//	sub:<subscriber>:<board>:thread:<threadID>    thread link (real or ghost)
//	sub:<subscriber>:<board>:reply:<threadID>:<msgID>  reply link
//	sub:<subscriber>:<board>:ref:<%020d>          local pagination ref

func messageKey(id string) string { return "msg:" + id }

func boardKey(name string) string { return "board:" + name + ":meta" }

func boardLinkKey(name string, index uint64) string {
	return fmt.Sprintf("board:%s:idx:%020d", name, index)
}

func boardLinkPrefix(name string) string { return "board:" + name + ":idx:" }

// subKeys is the key namespace of one subscription.
type subKeys struct {
	base string
}

func keysFor(subscriber, board string) subKeys {
	return subKeys{base: "sub:" + subscriber + ":" + board}
}

func (k subKeys) meta() string { return k.base + ":meta" }

func (k subKeys) threadLink(threadID string) string { return k.base + ":thread:" + threadID }

func (k subKeys) threadPrefix() string { return k.base + ":thread:" }

func (k subKeys) replyLink(threadID, msgID string) string {
	return k.base + ":reply:" + threadID + ":" + msgID
}

func (k subKeys) replyPrefix(threadID string) string { return k.base + ":reply:" + threadID + ":" }

func (k subKeys) allRepliesPrefix() string { return k.base + ":reply:" }

func (k subKeys) ref(index uint64) string { return fmt.Sprintf("%s:ref:%020d", k.base, index) }

func (k subKeys) refPrefix() string { return k.base + ":ref:" }

// subMetaFromKey extracts (subscriber, board) from a subscription meta key,
// used when loading subscriptions at startup.
func subMetaFromKey(key string) (subscriber, board string, ok bool) {
	if !strings.HasPrefix(key, "sub:") || !strings.HasSuffix(key, ":meta") {
		return "", "", false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(key, "sub:"), ":meta")
	i := strings.LastIndexByte(mid, ':')
	if i <= 0 || i == len(mid)-1 {
		return "", "", false
	}
	return mid[:i], mid[i+1:], true
}

// Schemas declares the entity kinds and their queried fields for store.Open.
func Schemas() []store.Schema {
	return []store.Schema{
		{Entity: "message", KeyPrefix: "msg:", IndexedFields: []string{"id", "thread_id", "parent_id", "fetch_date"}},
		{Entity: "board", KeyPrefix: "board:", IndexedFields: []string{"name", "index"}},
		{Entity: "subscription", KeyPrefix: "sub:", IndexedFields: []string{"board", "thread_id", "message_id", "index", "was_read"}},
	}
}
