package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forumdb/pkg/logger"
	"forumdb/pkg/models"
	"forumdb/pkg/store"
	"forumdb/pkg/validation"
)

// TrustPolicy decides whether a subscriber wants to read messages from an
// author. It is supplied by the external identity/trust subsystem and is
// consulted once per message per subscriber.
type TrustPolicy interface {
	WantsMessagesFrom(subscriber, author string) (bool, error)
}

// AllowAllPolicy accepts every author. Useful for tests and for setups
// without a trust subsystem.
type AllowAllPolicy struct{}

func (AllowAllPolicy) WantsMessagesFrom(subscriber, author string) (bool, error) {
	return true, nil
}

// Clock provides UTC "now" for fetch-date stamping.
type Clock interface {
	Now() time.Time
}

// UTCClock is the production clock.
type UTCClock struct{}

func (UTCClock) Now() time.Time { return time.Now().UTC() }

// Manager owns the shared message set and the per-subscriber views derived
// from it. Mutations are serialized by the manager lock, which is always
// acquired before any subscribed-board lock and before the store's write
// transaction lock.
type Manager struct {
	mu    sync.Mutex
	trust TrustPolicy
	clock Clock
	subs  map[string]*SubscribedBoard
}

// NewManager builds a manager with the given collaborators. A nil clock
// defaults to UTC wall time; a nil trust policy accepts everything.
func NewManager(trust TrustPolicy, clock Clock) *Manager {
	if trust == nil {
		trust = AllowAllPolicy{}
	}
	if clock == nil {
		clock = UTCClock{}
	}
	return &Manager{trust: trust, clock: clock, subs: make(map[string]*SubscribedBoard)}
}

// LoadSubscriptions restores the subscription views from the store. Call
// once after store.Open.
func (m *Manager) LoadSubscriptions() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return store.View().ScanPrefix("sub:", func(key string, value []byte) (bool, error) {
		subscriber, boardName, ok := subMetaFromKey(key)
		if !ok {
			return true, nil
		}
		var meta models.SubscribedBoard
		if err := json.Unmarshal(value, &meta); err != nil {
			return false, fmt.Errorf("corrupt subscription %s: %w", key, err)
		}
		sb := &SubscribedBoard{mgr: m, meta: meta, keys: keysFor(subscriber, boardName)}
		m.subs[subscriber+":"+boardName] = sb
		logger.Info("subscription_loaded", "subscriber", subscriber, "board", boardName,
			"watermark", meta.HighestSyncedIndex)
		return true, nil
	})
}

// AcceptMessage is the ingestion entry point for a fetched message. It
// validates and sanitizes the message, repairs tolerated inconsistencies,
// stamps the fetch date and links the message into every board it names,
// all in one transaction. It does not touch subscriber views; those pull
// the message on their next synchronization.
func (m *Manager) AcceptMessage(msg *models.Message) error {
	if msg == nil {
		return &validation.Error{Field: "message", Reason: "nil"}
	}
	if msg.Origin == models.OriginOwn {
		return &PolicyError{Reason: "own unpublished message " + msg.ID + " must not be accepted into a board"}
	}
	if err := m.validateAndRepair(msg); err != nil {
		return err
	}
	msg.FetchDate = m.clock.Now().UTC().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	return store.Update(func(txn *store.Txn) error {
		if txn.IsStored(messageKey(msg.ID)) {
			logger.Debug("message_already_accepted", "id", msg.ID)
			return nil
		}
		boards := make([]*models.Board, 0, len(msg.Boards))
		for _, name := range msg.Boards {
			b, err := getOrCreateBoard(txn, name)
			if err != nil {
				return err
			}
			boards = append(boards, b)
		}
		if err := storeMessage(txn, msg); err != nil {
			return err
		}
		for _, b := range boards {
			if err := linkMessageIntoBoard(txn, b, msg); err != nil {
				return err
			}
		}
		messagesAccepted.Inc()
		logger.Info("message_accepted", "id", msg.ID, "boards", strings.Join(msg.Boards, ","),
			"thread", msg.ThreadID, "parent", msg.ParentID)
		return nil
	})
}

// validateAndRepair applies the validation rules and the tolerated-repair
// policy: a reply-to board missing from the boards list is added back with
// a logged error, and a parent reference without a thread reference is kept
// but logged (the message stays a thread root).
func (m *Manager) validateAndRepair(msg *models.Message) error {
	if err := validation.VerifyID(msg.Author, msg.ID); err != nil {
		return err
	}
	msg.Title = validation.SanitizeTitle(msg.Title)
	if !validation.IsTitleValid(msg.Title) {
		return &validation.Error{Field: "title", Reason: "invalid after sanitizing"}
	}
	msg.Body = validation.SanitizeText(msg.Body)
	if !validation.IsTextValid(msg.Body) {
		return &validation.Error{Field: "body", Reason: "invalid message text"}
	}
	if len(msg.Boards) == 0 {
		return &validation.Error{Field: "boards", Reason: "no boards in message " + msg.ID}
	}
	normalized := make([]string, 0, len(msg.Boards))
	for _, b := range msg.Boards {
		n, err := validation.NormalizeBoardName(b)
		if err != nil {
			return err
		}
		normalized = append(normalized, n)
	}
	msg.Boards = normalized

	if msg.ThreadURI != "" && msg.ThreadID == "" {
		id, err := validation.MessageIDFromURI(msg.ThreadURI)
		if err != nil {
			return err
		}
		msg.ThreadID = id
	}
	if msg.ParentURI != "" && msg.ParentID == "" {
		id, err := validation.MessageIDFromURI(msg.ParentURI)
		if err != nil {
			return err
		}
		msg.ParentID = id
	}
	if msg.ParentID != "" && msg.ThreadID == "" {
		// Replies must name a thread. Tolerated and kept as a thread root.
		logger.Error("message_parent_without_thread", "id", msg.ID, "parent", msg.ParentID)
	}
	if msg.ReplyToBoard != "" {
		n, err := validation.NormalizeBoardName(msg.ReplyToBoard)
		if err != nil {
			return err
		}
		msg.ReplyToBoard = n
		if !msg.PostedTo(n) {
			logger.Error("message_replyto_board_added", "id", msg.ID, "board", n)
			msg.Boards = append(msg.Boards, n)
		}
	}
	sort.Strings(msg.Boards)
	return nil
}

// storeMessage writes the message after checking every board it references
// is durable in this transaction.
func storeMessage(txn *store.Txn, msg *models.Message) error {
	for _, name := range msg.Boards {
		if err := txn.RequireStored(boardKey(name)); err != nil {
			return err
		}
	}
	return txn.Set(messageKey(msg.ID), msg)
}

// MessageByID resolves a message from the shared message set. Used by
// subscriber views to detect thread forks and resolve parents across
// boards. Returns store.ErrNotFound when the message was not fetched yet.
func (m *Manager) MessageByID(id string) (*models.Message, error) {
	return messageByID(store.View(), id)
}

// Boards lists all known boards.
func (m *Manager) Boards() ([]models.Board, error) {
	var out []models.Board
	err := store.View().ScanPrefix("board:", func(key string, value []byte) (bool, error) {
		if !strings.HasSuffix(key, ":meta") {
			return true, nil
		}
		var b models.Board
		if err := json.Unmarshal(value, &b); err != nil {
			return false, fmt.Errorf("corrupt board %s: %w", key, err)
		}
		out = append(out, b)
		return true, nil
	})
	return out, err
}

// Subscribe creates (or returns) the subscription of subscriber to the
// named board, creating the board if it does not exist yet.
func (m *Manager) Subscribe(subscriber, boardName string) (*SubscribedBoard, error) {
	name, err := validation.NormalizeBoardName(boardName)
	if err != nil {
		return nil, err
	}
	if err := validation.VerifyRoutingKey(subscriber); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.subs[subscriber+":"+name]; ok {
		return sb, nil
	}
	meta := models.SubscribedBoard{
		ID:         uuid.NewString(),
		Board:      name,
		Subscriber: subscriber,
	}
	sb := &SubscribedBoard{mgr: m, meta: meta, keys: keysFor(subscriber, name)}
	err = store.Update(func(txn *store.Txn) error {
		if _, err := getOrCreateBoard(txn, name); err != nil {
			return err
		}
		return sb.storeWithoutCommit(txn)
	})
	if err != nil {
		return nil, err
	}
	m.subs[subscriber+":"+name] = sb
	logger.Info("board_subscribed", "subscriber", subscriber, "board", name, "subscription", meta.ID)
	return sb, nil
}

// Subscription returns an existing subscription view.
func (m *Manager) Subscription(subscriber, boardName string) (*SubscribedBoard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.subs[subscriber+":"+boardName]
	if !ok {
		return nil, fmt.Errorf("subscription %s/%s: %w", subscriber, boardName, store.ErrNotFound)
	}
	return sb, nil
}

// Unsubscribe deletes the subscription and all its link records. The shared
// messages stay; they are owned by the boards.
func (m *Manager) Unsubscribe(subscriber, boardName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.subs[subscriber+":"+boardName]
	if !ok {
		return fmt.Errorf("subscription %s/%s: %w", subscriber, boardName, store.ErrNotFound)
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	err := store.Update(func(txn *store.Txn) error {
		return sb.deleteWithoutCommit(txn)
	})
	if err != nil {
		return err
	}
	delete(m.subs, subscriber+":"+boardName)
	logger.Info("board_unsubscribed", "subscriber", subscriber, "board", boardName)
	return nil
}

// SynchronizeAll pulls unseen messages into every subscription. Views for
// different boards fail independently; the first error is returned after
// all views were attempted.
func (m *Manager) SynchronizeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, sb := range m.subs {
		if err := sb.Synchronize(); err != nil {
			logger.Error("sync_failed", "subscriber", sb.meta.Subscriber, "board", sb.meta.Board, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DeleteMessagesFrom removes all messages of an author, cascading into
// every subscriber view and board index. Called when the author's identity
// is deleted. Deletion is rare; the full scan is acceptable.
func (m *Manager) DeleteMessagesFrom(author string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doomed []*models.Message
	err := store.View().ScanPrefix("msg:", func(key string, value []byte) (bool, error) {
		var msg models.Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return false, fmt.Errorf("corrupt message %s: %w", key, err)
		}
		if msg.Author == author {
			doomed = append(doomed, &msg)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, msg := range doomed {
		if err := m.deleteMessage(msg); err != nil {
			return err
		}
	}
	logger.Info("author_messages_deleted", "author", author, "count", len(doomed))
	return nil
}

// deleteMessage removes one message and its references everywhere, in one
// transaction. Caller holds the manager lock.
func (m *Manager) deleteMessage(msg *models.Message) error {
	for _, sb := range m.subs {
		if !msg.PostedTo(sb.meta.Board) {
			continue
		}
		sb.mu.Lock()
		err := store.Update(func(txn *store.Txn) error {
			return sb.deleteMessageWithoutCommit(txn, msg)
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			sb.reloadMeta()
			sb.mu.Unlock()
			return err
		}
		sb.mu.Unlock()
	}
	return store.Update(func(txn *store.Txn) error {
		for _, name := range msg.Boards {
			if err := unlinkMessageFromBoard(txn, name, msg.ID); err != nil {
				return err
			}
		}
		return txn.Delete(messageKey(msg.ID))
	})
}

// unlinkMessageFromBoard drops the insertion-order link of a message. The
// board index keeps its numbering; watermarks only ever move forward.
func unlinkMessageFromBoard(txn *store.Txn, name, msgID string) error {
	var linkKeys []string
	err := txn.ScanPrefix(boardLinkPrefix(name), func(key string, value []byte) (bool, error) {
		var l models.BoardMessageLink
		if err := json.Unmarshal(value, &l); err != nil {
			return false, fmt.Errorf("corrupt board link %s: %w", key, err)
		}
		if l.MessageID == msgID {
			linkKeys = append(linkKeys, key)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, k := range linkKeys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
