package board

import (
	"encoding/json"
	"errors"
	"fmt"

	"forumdb/pkg/models"
	"forumdb/pkg/store"
)

// getBoard loads a board's metadata.
func getBoard(r store.Reader, name string) (*models.Board, error) {
	var b models.Board
	if err := r.Get(boardKey(name), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// getOrCreateBoard loads the board or creates it inside the transaction.
func getOrCreateBoard(txn *store.Txn, name string) (*models.Board, error) {
	b, err := getBoard(txn, name)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	b = &models.Board{Name: name}
	if err := txn.Set(boardKey(name), b); err != nil {
		return nil, err
	}
	return b, nil
}

// takeFreeBoardIndex returns and reserves the next insertion index. The
// reservation only becomes durable with the surrounding transaction, so an
// index is always consumed by the insertion it was taken for and the board
// sequence has no gaps.
func takeFreeBoardIndex(txn *store.Txn, b *models.Board) (uint64, error) {
	b.NextIndex++
	idx := b.NextIndex
	if err := txn.Set(boardKey(b.Name), b); err != nil {
		return 0, err
	}
	return idx, nil
}

// linkMessageIntoBoard appends the message to the board's insertion order.
// The message must already be stored in the same transaction.
func linkMessageIntoBoard(txn *store.Txn, b *models.Board, msg *models.Message) error {
	if !msg.PostedTo(b.Name) {
		return store.Integrityf(boardKey(b.Name), "message %s was not posted to board %s", msg.ID, b.Name)
	}
	if err := txn.RequireStored(messageKey(msg.ID)); err != nil {
		return err
	}
	idx, err := takeFreeBoardIndex(txn, b)
	if err != nil {
		return err
	}
	link := models.BoardMessageLink{Board: b.Name, MessageID: msg.ID, Index: idx}
	return txn.Set(boardLinkKey(b.Name, idx), link)
}

// messagesAfterIndex returns, in ascending insertion order, all links with
// index greater than after. The result is a finite page of whatever was
// visible to the reader; callers re-query for later messages.
func messagesAfterIndex(r store.Reader, name string, after uint64) ([]models.BoardMessageLink, error) {
	var out []models.BoardMessageLink
	err := r.ScanPrefix(boardLinkPrefix(name), func(key string, value []byte) (bool, error) {
		var l models.BoardMessageLink
		if err := json.Unmarshal(value, &l); err != nil {
			return false, fmt.Errorf("corrupt board link %s: %w", key, err)
		}
		if l.Index > after {
			out = append(out, l)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// messageByID resolves a message by its identifier.
func messageByID(r store.Reader, id string) (*models.Message, error) {
	var m models.Message
	if err := r.Get(messageKey(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
