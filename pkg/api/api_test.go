package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"forumdb/pkg/board"
	"forumdb/pkg/ingest"
	"forumdb/pkg/models"
	"forumdb/pkg/store"
	"forumdb/pkg/validation"
)

const (
	testAuthor     = "YXBpLXRlc3QtYXV0aG9y"
	testSubscriber = "YXBpLXRlc3Qtc3Vic2NyaWJlcg"
	testBoardName  = "en.apitest"
)

func newTestAPI(t *testing.T) (*API, *board.Manager, *ingest.Queue) {
	t.Helper()
	if err := store.Open(t.TempDir(), board.Schemas()...); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mgr := board.NewManager(nil, nil)
	q := ingest.NewQueue(16)
	return New(mgr, q, SecConfig{RPS: 1000, Burst: 1000}), mgr, q
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:12345"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func acceptedMessage(t *testing.T, mgr *board.Manager, title string, date int64) *models.Message {
	t.Helper()
	id, err := validation.DeriveID(testAuthor)
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}
	msg := &models.Message{
		ID:     id,
		URI:    "chk://key#" + id,
		Title:  title,
		Body:   "body",
		Author: testAuthor,
		Date:   date,
		Boards: []string{testBoardName},
		Origin: models.OriginFetched,
	}
	if err := mgr.AcceptMessage(msg); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return msg
}

func TestSubscribeAndListThreads(t *testing.T) {
	a, mgr, _ := newTestAPI(t)
	h := a.Handler()

	rr := doJSON(t, h, http.MethodPost, "/subscriptions",
		map[string]string{"subscriber": testSubscriber, "board": testBoardName})
	if rr.Code != http.StatusOK {
		t.Fatalf("subscribe status %d: %s", rr.Code, rr.Body)
	}

	acceptedMessage(t, mgr, "first thread", 100)
	rr = doJSON(t, h, http.MethodPost, "/sync", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("sync status %d: %s", rr.Code, rr.Body)
	}

	rr = doJSON(t, h, http.MethodGet, "/subscriptions/"+testSubscriber+"/"+testBoardName+"/threads", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("threads status %d: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Threads []models.ThreadLink `json:"threads"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Threads) != 1 {
		t.Fatalf("threads: %+v", resp.Threads)
	}
}

func TestIngestQueuesMessage(t *testing.T) {
	a, _, q := newTestAPI(t)
	h := a.Handler()

	id, err := validation.DeriveID(testAuthor)
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}
	rr := doJSON(t, h, http.MethodPost, "/messages", map[string]any{
		"id":     id,
		"title":  "queued",
		"body":   "b",
		"author": testAuthor,
		"date":   int64(1),
		"boards": []string{testBoardName},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rr.Code, rr.Body)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len %d", q.Len())
	}
}

func TestErrorMapping(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	rr := doJSON(t, h, http.MethodGet, "/messages/nope@bm9wZQ", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing message status %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/subscriptions",
		map[string]string{"subscriber": testSubscriber, "board": "NOT A BOARD"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad board status %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/subscriptions/"+testSubscriber+"/en.unknown/threads", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown subscription status %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	if err := store.Open(t.TempDir(), board.Schemas()...); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	a := New(board.NewManager(nil, nil), ingest.NewQueue(4), SecConfig{RPS: 0.001, Burst: 1})
	h := a.Handler()

	first := doJSON(t, h, http.MethodGet, "/boards", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first status %d", first.Code)
	}
	second := doJSON(t, h, http.MethodGet, "/boards", nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status %d", second.Code)
	}
}
