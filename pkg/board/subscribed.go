package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"forumdb/pkg/logger"
	"forumdb/pkg/models"
	"forumdb/pkg/store"
)

// SubscribedBoard is one subscriber's threaded view of a board. It merges
// messages from the shared board index into per-thread link records and
// keeps that structure correct no matter in which order messages arrive
// from the network.
//
// All mutating methods that take a transaction leave the commit to the
// caller and must not be considered applied until the transaction commits.
// The view's in-memory metadata is reloaded from the store after a
// rollback.
type SubscribedBoard struct {
	mu   sync.Mutex
	mgr  *Manager
	meta models.SubscribedBoard
	keys subKeys
}

// Synchronize merges all board messages above the watermark into this
// view, in one transaction. Either every unseen message is indexed and the
// watermark advances past all of them, or nothing changes.
func (sb *SubscribedBoard) Synchronize() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	before := sb.meta.HighestSyncedIndex
	err := store.Update(func(txn *store.Txn) error {
		return sb.synchronizeWithoutCommit(txn)
	})
	if err != nil {
		sb.reloadMeta()
		return err
	}
	syncRuns.Inc()
	if sb.meta.HighestSyncedIndex > before {
		logger.Info("board_synchronized", "subscriber", sb.meta.Subscriber, "board", sb.meta.Board,
			"from", before, "to", sb.meta.HighestSyncedIndex)
	}
	return nil
}

func (sb *SubscribedBoard) synchronizeWithoutCommit(txn *store.Txn) error {
	links, err := messagesAfterIndex(txn, sb.meta.Board, sb.meta.HighestSyncedIndex)
	if err != nil {
		return err
	}
	for _, l := range links {
		msg, err := messageByID(txn, l.MessageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Integrityf(boardLinkKey(sb.meta.Board, l.Index),
					"board link references missing message %s", l.MessageID)
			}
			return err
		}
		if err := sb.addMessage(txn, msg); err != nil {
			return err
		}
		sb.meta.HighestSyncedIndex = l.Index
	}
	return sb.storeWithoutCommit(txn)
}

// addMessage merges one fetched message into the view. The same message
// may play two roles at once: a ghost thread link with its ID is promoted
// regardless of whether the message is itself a thread root, and a reply
// additionally gets a reply link under its thread, creating the thread
// link (real, forked or ghost) if it does not exist yet.
func (sb *SubscribedBoard) addMessage(txn *store.Txn, msg *models.Message) error {
	if msg.Origin == models.OriginOwn {
		return &PolicyError{Reason: "own unpublished message " + msg.ID + " must not be indexed"}
	}
	if !msg.PostedTo(sb.meta.Board) {
		return store.Integrityf(sb.keys.meta(), "message %s was not posted to board %s", msg.ID, sb.meta.Board)
	}
	wanted, err := sb.mgr.trust.WantsMessagesFrom(sb.meta.Subscriber, msg.Author)
	if err != nil {
		// The message is skipped but the watermark still advances; trust
		// decisions are not retried.
		logger.Error("trust_check_failed", "subscriber", sb.meta.Subscriber, "author", msg.Author, "error", err)
		return nil
	}
	if !wanted {
		messagesUnwanted.Inc()
		logger.Debug("message_unwanted", "id", msg.ID, "author", msg.Author, "subscriber", sb.meta.Subscriber)
		return nil
	}

	tl, err := sb.threadLink(txn, msg.ID)
	switch {
	case err == nil:
		if tl.IsGhost() {
			tl.MessageID = msg.ID
			tl.MessageDate = msg.Date
			tl.WasRead = false
			tl.OnMessageAdded(msg.Date)
			if err := sb.putThreadLink(txn, tl); err != nil {
				return err
			}
			if err := sb.linkRepliesToNewParent(txn, msg.ID, msg); err != nil {
				return err
			}
			ghostsPromoted.Inc()
			logger.Info("ghost_thread_promoted", "board", sb.meta.Board, "thread", msg.ID)
		}
	case errors.Is(err, store.ErrNotFound):
		if msg.IsThread() {
			nl := &models.ThreadLink{
				ThreadID:      msg.ID,
				MessageID:     msg.ID,
				Index:         sb.takeFreeRefIndex(),
				MessageDate:   msg.Date,
				LastReplyDate: msg.Date,
			}
			if err := sb.putThreadLink(txn, nl); err != nil {
				return err
			}
		}
	default:
		return err
	}

	if !msg.IsThread() {
		parent, err := sb.findOrCreateParentThread(txn, msg)
		if err != nil {
			return err
		}
		_, rlErr := sb.replyLink(txn, msg.ThreadID, msg.ID)
		switch {
		case errors.Is(rlErr, store.ErrNotFound):
			rl := &models.ReplyLink{
				MessageID:      msg.ID,
				ThreadID:       msg.ThreadID,
				ParentID:       msg.ParentID,
				Index:          sb.takeFreeRefIndex(),
				MessageDate:    msg.Date,
				ThreadResolved: !parent.IsGhost(),
			}
			if msg.ParentID != "" {
				if _, err := messageByID(txn, msg.ParentID); err == nil {
					rl.ParentResolved = true
				} else if !errors.Is(err, store.ErrNotFound) {
					return err
				}
			}
			if err := sb.putReplyLink(txn, rl); err != nil {
				return err
			}
		case rlErr != nil:
			return rlErr
		}
		parent.OnMessageAdded(msg.Date)
		if err := sb.putThreadLink(txn, parent); err != nil {
			return err
		}
		if err := sb.linkRepliesToNewParent(txn, msg.ThreadID, msg); err != nil {
			return err
		}
	}
	messagesIndexed.Inc()
	return nil
}

// findOrCreateParentThread resolves the thread link a reply belongs to.
// Three cases: the link already exists; the root message was fetched and is
// linked now (forking the thread if the root is a reply elsewhere); or the
// root is unknown and a ghost link is created, carrying the reply's date as
// the provisional last-reply date.
func (sb *SubscribedBoard) findOrCreateParentThread(txn *store.Txn, msg *models.Message) (*models.ThreadLink, error) {
	tl, err := sb.threadLink(txn, msg.ThreadID)
	if err == nil {
		return tl, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	root, err := messageByID(txn, msg.ThreadID)
	switch {
	case err == nil:
		// The root need not be posted to this board; any fetched message
		// backs a real link, otherwise the thread would stay a ghost
		// forever because the root never passes through this board.
		tl = &models.ThreadLink{
			ThreadID:      root.ID,
			MessageID:     root.ID,
			Index:         sb.takeFreeRefIndex(),
			MessageDate:   root.Date,
			LastReplyDate: root.Date,
		}
		if !root.IsThread() {
			threadForks.Inc()
			logger.Info("thread_forked", "board", sb.meta.Board, "thread", root.ID, "origin_thread", root.ThreadID)
		}
	case errors.Is(err, store.ErrNotFound):
		// Root not fetched yet.
		tl = &models.ThreadLink{
			ThreadID:      msg.ThreadID,
			Index:         sb.takeFreeRefIndex(),
			LastReplyDate: msg.Date,
		}
		ghostsCreated.Inc()
		logger.Debug("ghost_thread_created", "board", sb.meta.Board, "thread", msg.ThreadID, "reply", msg.ID)
	default:
		return nil, err
	}
	if err := sb.putThreadLink(txn, tl); err != nil {
		return nil, err
	}
	return tl, nil
}

// linkRepliesToNewParent updates the resolution flags of the thread's reply
// links after newMsg was indexed: replies whose parent is newMsg become
// parent-resolved, and if newMsg is the thread root itself every reply
// becomes thread-resolved.
func (sb *SubscribedBoard) linkRepliesToNewParent(txn *store.Txn, threadID string, newMsg *models.Message) error {
	replies, err := sb.replyLinks(txn, threadID)
	if err != nil {
		return err
	}
	for i := range replies {
		rl := &replies[i]
		changed := false
		if rl.ParentID == newMsg.ID && !rl.ParentResolved {
			rl.ParentResolved = true
			changed = true
		}
		if newMsg.ID == threadID && !rl.ThreadResolved {
			rl.ThreadResolved = true
			changed = true
		}
		if changed {
			if err := sb.putReplyLink(txn, rl); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteMessageWithoutCommit removes one message from the view. A deleted
// thread root with surviving replies degrades to a ghost link so that the
// replies stay reachable; a ghost whose last reply disappears is removed
// entirely. Resolution flags of replies that pointed at the deleted message
// are cleared again.
func (sb *SubscribedBoard) deleteMessageWithoutCommit(txn *store.Txn, msg *models.Message) error {
	tl, err := sb.threadLink(txn, msg.ID)
	switch {
	case err == nil && tl.MessageID == msg.ID:
		replies, err := sb.replyLinks(txn, msg.ID)
		if err != nil {
			return err
		}
		if len(replies) == 0 {
			if err := sb.deleteThreadLink(txn, tl); err != nil {
				return err
			}
		} else {
			tl.MessageID = ""
			tl.MessageDate = 0
			tl.LastReplyDate = maxReplyDate(replies)
			if err := sb.putThreadLink(txn, tl); err != nil {
				return err
			}
			for i := range replies {
				rl := &replies[i]
				changed := false
				if rl.ThreadResolved {
					rl.ThreadResolved = false
					changed = true
				}
				if rl.ParentID == msg.ID && rl.ParentResolved {
					rl.ParentResolved = false
					changed = true
				}
				if changed {
					if err := sb.putReplyLink(txn, rl); err != nil {
						return err
					}
				}
			}
		}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}

	if msg.IsThread() || msg.ThreadID == "" {
		return nil
	}
	rl, err := sb.replyLink(txn, msg.ThreadID, msg.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := sb.deleteReplyLink(txn, rl); err != nil {
		return err
	}
	remaining, err := sb.replyLinks(txn, msg.ThreadID)
	if err != nil {
		return err
	}
	for i := range remaining {
		sibling := &remaining[i]
		if sibling.ParentID == msg.ID && sibling.ParentResolved {
			sibling.ParentResolved = false
			if err := sb.putReplyLink(txn, sibling); err != nil {
				return err
			}
		}
	}
	ptl, err := sb.threadLink(txn, msg.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ptl.IsGhost() && len(remaining) == 0 {
		return sb.deleteThreadLink(txn, ptl)
	}
	last := maxReplyDate(remaining)
	if !ptl.IsGhost() && ptl.MessageDate > last {
		last = ptl.MessageDate
	}
	ptl.LastReplyDate = last
	return sb.putThreadLink(txn, ptl)
}

func maxReplyDate(replies []models.ReplyLink) int64 {
	var max int64
	for i := range replies {
		if replies[i].MessageDate > max {
			max = replies[i].MessageDate
		}
	}
	return max
}

// takeFreeRefIndex reserves the next local reference index. The new value
// becomes durable together with the link that consumed it when
// storeWithoutCommit runs at the end of the transaction.
func (sb *SubscribedBoard) takeFreeRefIndex() uint64 {
	sb.meta.NextRefIndex++
	return sb.meta.NextRefIndex
}

func (sb *SubscribedBoard) storeWithoutCommit(txn *store.Txn) error {
	if err := txn.RequireStored(boardKey(sb.meta.Board)); err != nil {
		return err
	}
	return txn.Set(sb.keys.meta(), &sb.meta)
}

// deleteWithoutCommit removes the subscription and every link record it
// owns. The shared messages are untouched.
func (sb *SubscribedBoard) deleteWithoutCommit(txn *store.Txn) error {
	for _, prefix := range []string{sb.keys.threadPrefix(), sb.keys.allRepliesPrefix(), sb.keys.refPrefix()} {
		var doomed []string
		err := txn.ScanPrefix(prefix, func(key string, _ []byte) (bool, error) {
			doomed = append(doomed, key)
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
	}
	return txn.Delete(sb.keys.meta())
}

// reloadMeta discards in-memory metadata after a rollback and re-reads the
// committed state.
func (sb *SubscribedBoard) reloadMeta() {
	var meta models.SubscribedBoard
	if err := store.View().Get(sb.keys.meta(), &meta); err != nil {
		logger.Error("subscription_meta_reload_failed", "key", sb.keys.meta(), "error", err)
		return
	}
	sb.meta = meta
}

func (sb *SubscribedBoard) threadLink(r store.Reader, threadID string) (*models.ThreadLink, error) {
	var tl models.ThreadLink
	if err := r.Get(sb.keys.threadLink(threadID), &tl); err != nil {
		return nil, err
	}
	return &tl, nil
}

func (sb *SubscribedBoard) replyLink(r store.Reader, threadID, msgID string) (*models.ReplyLink, error) {
	var rl models.ReplyLink
	if err := r.Get(sb.keys.replyLink(threadID, msgID), &rl); err != nil {
		return nil, err
	}
	return &rl, nil
}

// replyLinkByMessage locates the reply link of a message without knowing
// its thread. A message indexed as a reply in more than one thread is a
// caller bug and reported as a duplicate.
func (sb *SubscribedBoard) replyLinkByMessage(r store.Reader, msgID string) (*models.ReplyLink, error) {
	var found []models.ReplyLink
	err := r.ScanPrefix(sb.keys.allRepliesPrefix(), func(key string, value []byte) (bool, error) {
		var rl models.ReplyLink
		if err := json.Unmarshal(value, &rl); err != nil {
			return false, fmt.Errorf("corrupt reply link %s: %w", key, err)
		}
		if rl.MessageID == msgID {
			found = append(found, rl)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 1:
		return &found[0], nil
	case 0:
		return nil, fmt.Errorf("reply link for message %s: %w", msgID, store.ErrNotFound)
	default:
		return nil, fmt.Errorf("reply link for message %s: %w", msgID, store.ErrDuplicate)
	}
}

func (sb *SubscribedBoard) replyLinks(r store.Reader, threadID string) ([]models.ReplyLink, error) {
	var out []models.ReplyLink
	err := r.ScanPrefix(sb.keys.replyPrefix(threadID), func(key string, value []byte) (bool, error) {
		var rl models.ReplyLink
		if err := json.Unmarshal(value, &rl); err != nil {
			return false, fmt.Errorf("corrupt reply link %s: %w", key, err)
		}
		out = append(out, rl)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// putThreadLink stores a thread link and its pagination ref record.
func (sb *SubscribedBoard) putThreadLink(txn *store.Txn, tl *models.ThreadLink) error {
	if err := txn.Set(sb.keys.threadLink(tl.ThreadID), tl); err != nil {
		return err
	}
	date := tl.MessageDate
	if tl.IsGhost() {
		date = tl.LastReplyDate
	}
	ref := models.MessageRef{
		Kind:      models.RefThread,
		ThreadID:  tl.ThreadID,
		MessageID: tl.MessageID,
		Index:     tl.Index,
		Date:      date,
		WasRead:   tl.WasRead,
	}
	return txn.Set(sb.keys.ref(tl.Index), &ref)
}

func (sb *SubscribedBoard) putReplyLink(txn *store.Txn, rl *models.ReplyLink) error {
	if err := txn.Set(sb.keys.replyLink(rl.ThreadID, rl.MessageID), rl); err != nil {
		return err
	}
	ref := models.MessageRef{
		Kind:      models.RefReply,
		ThreadID:  rl.ThreadID,
		MessageID: rl.MessageID,
		Index:     rl.Index,
		Date:      rl.MessageDate,
		WasRead:   rl.WasRead,
	}
	return txn.Set(sb.keys.ref(rl.Index), &ref)
}

func (sb *SubscribedBoard) deleteThreadLink(txn *store.Txn, tl *models.ThreadLink) error {
	if err := txn.Delete(sb.keys.threadLink(tl.ThreadID)); err != nil {
		return err
	}
	return txn.Delete(sb.keys.ref(tl.Index))
}

func (sb *SubscribedBoard) deleteReplyLink(txn *store.Txn, rl *models.ReplyLink) error {
	if err := txn.Delete(sb.keys.replyLink(rl.ThreadID, rl.MessageID)); err != nil {
		return err
	}
	return txn.Delete(sb.keys.ref(rl.Index))
}
