package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"forumdb/pkg/models"
	"forumdb/pkg/store"
)

// Read surface of a subscribed board. All queries run against the last
// committed state; a synchronization in flight becomes visible atomically.

// ID returns the subscription identifier. It changes when a subscription
// is re-created, telling clients to drop cached ref indexes.
func (sb *SubscribedBoard) ID() string { return sb.meta.ID }

// Board returns the parent board name.
func (sb *SubscribedBoard) Board() string { return sb.meta.Board }

// Subscriber returns the subscriber's routing key.
func (sb *SubscribedBoard) Subscriber() string { return sb.meta.Subscriber }

// Description returns the free-form description of the subscription.
func (sb *SubscribedBoard) Description() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.meta.Description
}

// SetDescription updates the free-form description.
func (sb *SubscribedBoard) SetDescription(desc string) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.meta.Description = desc
	err := store.Update(func(txn *store.Txn) error {
		return sb.storeWithoutCommit(txn)
	})
	if err != nil {
		sb.reloadMeta()
	}
	return err
}

// HighestSyncedIndex returns the synchronization watermark.
func (sb *SubscribedBoard) HighestSyncedIndex() uint64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.meta.HighestSyncedIndex
}

// Threads lists all thread links, ghosts included, sorted by last reply
// date descending. This is the order a board overview displays.
func (sb *SubscribedBoard) Threads() ([]models.ThreadLink, error) {
	var out []models.ThreadLink
	err := store.View().ScanPrefix(sb.keys.threadPrefix(), func(key string, value []byte) (bool, error) {
		var tl models.ThreadLink
		if err := json.Unmarshal(value, &tl); err != nil {
			return false, fmt.Errorf("corrupt thread link %s: %w", key, err)
		}
		out = append(out, tl)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastReplyDate > out[j].LastReplyDate
	})
	return out, nil
}

// LatestThread returns the non-ghost thread with the newest activity.
func (sb *SubscribedBoard) LatestThread() (*models.ThreadLink, error) {
	threads, err := sb.Threads()
	if err != nil {
		return nil, err
	}
	for i := range threads {
		if !threads[i].IsGhost() {
			return &threads[i], nil
		}
	}
	return nil, fmt.Errorf("latest thread of %s: %w", sb.meta.Board, store.ErrNotFound)
}

// Thread returns one thread link by thread ID.
func (sb *SubscribedBoard) Thread(threadID string) (*models.ThreadLink, error) {
	return sb.threadLink(store.View(), threadID)
}

// ThreadReplies lists the reply links of a thread ordered by message date.
func (sb *SubscribedBoard) ThreadReplies(threadID string, ascending bool) ([]models.ReplyLink, error) {
	replies, err := sb.replyLinks(store.View(), threadID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(replies, func(i, j int) bool {
		if ascending {
			return replies[i].MessageDate < replies[j].MessageDate
		}
		return replies[i].MessageDate > replies[j].MessageDate
	})
	return replies, nil
}

// ThreadReplyCount returns the number of indexed replies in a thread.
func (sb *SubscribedBoard) ThreadReplyCount(threadID string) (int, error) {
	replies, err := sb.replyLinks(store.View(), threadID)
	if err != nil {
		return 0, err
	}
	return len(replies), nil
}

// ThreadUnreadReplyCount returns the number of unread replies in a thread.
func (sb *SubscribedBoard) ThreadUnreadReplyCount(threadID string) (int, error) {
	replies, err := sb.replyLinks(store.View(), threadID)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range replies {
		if !replies[i].WasRead {
			n++
		}
	}
	return n, nil
}

// MessageCount returns the number of messages visible in this view. Ghost
// thread links carry no message and are not counted.
func (sb *SubscribedBoard) MessageCount() (int, error) {
	refs, err := sb.refs()
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range refs {
		if refs[i].MessageID != "" {
			n++
		}
	}
	return n, nil
}

// UnreadMessageCount returns the number of unread messages in this view.
func (sb *SubscribedBoard) UnreadMessageCount() (int, error) {
	refs, err := sb.refs()
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range refs {
		if refs[i].MessageID != "" && !refs[i].WasRead {
			n++
		}
	}
	return n, nil
}

func (sb *SubscribedBoard) refs() ([]models.MessageRef, error) {
	var out []models.MessageRef
	err := store.View().ScanPrefix(sb.keys.refPrefix(), func(key string, value []byte) (bool, error) {
		var ref models.MessageRef
		if err := json.Unmarshal(value, &ref); err != nil {
			return false, fmt.Errorf("corrupt ref %s: %w", key, err)
		}
		out = append(out, ref)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RefsAfterIndex returns refs with index greater than after, ordered by
// local index. This is the pagination primitive for pull-based clients.
func (sb *SubscribedBoard) RefsAfterIndex(after uint64, ascending bool) ([]models.MessageRef, error) {
	refs, err := sb.refs()
	if err != nil {
		return nil, err
	}
	out := refs[:0]
	for i := range refs {
		if refs[i].Index > after {
			out = append(out, refs[i])
		}
	}
	if !ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// RefsByDate returns refs with date at or after since, ascending by date.
func (sb *SubscribedBoard) RefsByDate(since int64) ([]models.MessageRef, error) {
	refs, err := sb.refs()
	if err != nil {
		return nil, err
	}
	out := refs[:0]
	for i := range refs {
		if refs[i].Date >= since {
			out = append(out, refs[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// RefByIndex returns the ref at one local index.
func (sb *SubscribedBoard) RefByIndex(index uint64) (*models.MessageRef, error) {
	var ref models.MessageRef
	if err := store.View().Get(sb.keys.ref(index), &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// RefOfMessage locates the ref of a message wherever it is indexed in this
// view, as a thread root or as a reply.
func (sb *SubscribedBoard) RefOfMessage(msgID string) (*models.MessageRef, error) {
	r := store.View()
	tl, err := sb.threadLink(r, msgID)
	if err == nil && tl.MessageID == msgID {
		return sb.RefByIndex(tl.Index)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	rl, err := sb.replyLinkByMessage(r, msgID)
	if err != nil {
		return nil, err
	}
	return sb.RefByIndex(rl.Index)
}

// MarkRefRead flags the message behind one ref as read.
func (sb *SubscribedBoard) MarkRefRead(index uint64) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return store.Update(func(txn *store.Txn) error {
		var ref models.MessageRef
		if err := txn.Get(sb.keys.ref(index), &ref); err != nil {
			return err
		}
		switch ref.Kind {
		case models.RefThread:
			tl, err := sb.threadLink(txn, ref.ThreadID)
			if err != nil {
				return err
			}
			tl.WasRead = true
			return sb.putThreadLink(txn, tl)
		case models.RefReply:
			rl, err := sb.replyLink(txn, ref.ThreadID, ref.MessageID)
			if err != nil {
				return err
			}
			rl.WasRead = true
			return sb.putReplyLink(txn, rl)
		default:
			return store.Integrityf(sb.keys.ref(index), "unknown ref kind %q", ref.Kind)
		}
	})
}

// MarkThreadRead flags the thread root and all its replies as read.
func (sb *SubscribedBoard) MarkThreadRead(threadID string) error {
	return sb.setThreadRead(threadID, true)
}

// MarkThreadUnread flags the thread root and all its replies as unread.
func (sb *SubscribedBoard) MarkThreadUnread(threadID string) error {
	return sb.setThreadRead(threadID, false)
}

func (sb *SubscribedBoard) setThreadRead(threadID string, read bool) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return store.Update(func(txn *store.Txn) error {
		tl, err := sb.threadLink(txn, threadID)
		if err != nil {
			return err
		}
		tl.WasRead = read
		tl.WasThreadRead = read
		if err := sb.putThreadLink(txn, tl); err != nil {
			return err
		}
		replies, err := sb.replyLinks(txn, threadID)
		if err != nil {
			return err
		}
		for i := range replies {
			rl := &replies[i]
			if rl.WasRead == read {
				continue
			}
			rl.WasRead = read
			if err := sb.putReplyLink(txn, rl); err != nil {
				return err
			}
		}
		return nil
	})
}
