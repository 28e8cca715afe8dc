package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"forumdb/pkg/board"
	"forumdb/pkg/ingest"
	"forumdb/pkg/models"
	"forumdb/pkg/store"
	"forumdb/pkg/validation"
)

// API exposes the board index over HTTP. Writes go through the ingest
// queue; everything else reads the committed state.
type API struct {
	mgr      *board.Manager
	queue    *ingest.Queue
	limiters *limiterPool
}

func New(mgr *board.Manager, queue *ingest.Queue, sec SecConfig) *API {
	return &API{mgr: mgr, queue: queue, limiters: &limiterPool{cfg: sec}}
}

// Handler builds the routed handler with rate limiting applied.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/messages", a.ingestMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", a.getMessage).Methods(http.MethodGet)
	r.HandleFunc("/authors/{author}/messages", a.deleteAuthorMessages).Methods(http.MethodDelete)

	r.HandleFunc("/boards", a.listBoards).Methods(http.MethodGet)

	r.HandleFunc("/subscriptions", a.subscribe).Methods(http.MethodPost)
	sub := r.PathPrefix("/subscriptions/{subscriber}/{board}").Subrouter()
	sub.HandleFunc("", a.getSubscription).Methods(http.MethodGet)
	sub.HandleFunc("", a.unsubscribe).Methods(http.MethodDelete)
	sub.HandleFunc("/threads", a.listThreads).Methods(http.MethodGet)
	sub.HandleFunc("/threads/{threadID}/replies", a.listThreadReplies).Methods(http.MethodGet)
	sub.HandleFunc("/threads/{threadID}/read", a.markThreadRead).Methods(http.MethodPost)
	sub.HandleFunc("/threads/{threadID}/unread", a.markThreadUnread).Methods(http.MethodPost)
	sub.HandleFunc("/refs", a.listRefs).Methods(http.MethodGet)
	sub.HandleFunc("/refs/{index}", a.getRef).Methods(http.MethodGet)
	sub.HandleFunc("/refs/{index}/read", a.markRefRead).Methods(http.MethodPost)

	r.HandleFunc("/sync", a.triggerSync).Methods(http.MethodPost)

	return a.limiters.middleware(r)
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var ve *validation.Error
	var pe *board.PolicyError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &pe):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, ingest.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ingestMessage accepts a fetched message and queues it for indexing. The
// payload is the serialized message as delivered by the network fetcher.
func (a *API) ingestMessage(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, int64(validation.MaxTextByteLength)*2)
	var msg models.Message
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	payload, _ := json.Marshal(msg)
	err := a.queue.EnqueueBytes(r.Context(), msg.URI, msg.ID, payload, time.Now().UTC().UnixNano())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued", "id": msg.ID})
}

func (a *API) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := a.mgr.MessageByID(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, msg)
}

func (a *API) deleteAuthorMessages(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.DeleteMessagesFrom(mux.Vars(r)["author"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (a *API) listBoards(w http.ResponseWriter, r *http.Request) {
	boards, err := a.mgr.Boards()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, struct {
		Boards []models.Board `json:"boards"`
	}{Boards: boards})
}

func (a *API) subscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subscriber string `json:"subscriber"`
		Board      string `json:"board"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	sb, err := a.mgr.Subscribe(req.Subscriber, req.Board)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": sb.ID(), "board": sb.Board(), "subscriber": sb.Subscriber()})
}

func (a *API) subscription(r *http.Request) (*board.SubscribedBoard, error) {
	vars := mux.Vars(r)
	return a.mgr.Subscription(vars["subscriber"], vars["board"])
}

func (a *API) getSubscription(w http.ResponseWriter, r *http.Request) {
	sb, err := a.subscription(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	total, err := sb.MessageCount()
	if err != nil {
		writeErr(w, err)
		return
	}
	unread, err := sb.UnreadMessageCount()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"id":                   sb.ID(),
		"board":                sb.Board(),
		"subscriber":           sb.Subscriber(),
		"description":          sb.Description(),
		"highest_synced_index": sb.HighestSyncedIndex(),
		"message_count":        total,
		"unread_message_count": unread,
	})
}

func (a *API) unsubscribe(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.mgr.Unsubscribe(vars["subscriber"], vars["board"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "unsubscribed"})
}

func (a *API) listThreads(w http.ResponseWriter, r *http.Request) {
	sb, err := a.subscription(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	threads, err := sb.Threads()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, struct {
		Threads []models.ThreadLink `json:"threads"`
	}{Threads: threads})
}

func (a *API) listThreadReplies(w http.ResponseWriter, r *http.Request) {
	sb, err := a.subscription(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ascending := r.URL.Query().Get("order") != "desc"
	replies, err := sb.ThreadReplies(mux.Vars(r)["threadID"], ascending)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, struct {
		Replies []models.ReplyLink `json:"replies"`
	}{Replies: replies})
}

func (a *API) markThreadRead(w http.ResponseWriter, r *http.Request) {
	sb, err := a.subscription(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := sb.MarkThreadRead(mux.Vars(r)["threadID"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "read"})
}

func (a *API) markThreadUnread(w http.ResponseWriter, r *http.Request) {
	sb, err := a.subscription(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := sb.MarkThreadUnread(mux.Vars(r)["threadID"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "unread"})
}

func (a *API) listRefs(w http.ResponseWriter, r *http.Request) {
	sb, err := a.subscription(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var refs []models.MessageRef
	if sinceQ := r.URL.Query().Get("since"); sinceQ != "" {
		since, perr := strconv.ParseInt(sinceQ, 10, 64)
		if perr != nil {
			http.Error(w, `{"error":"invalid since"}`, http.StatusBadRequest)
			return
		}
		refs, err = sb.RefsByDate(since)
	} else {
		var after uint64
		if afterQ := r.URL.Query().Get("after"); afterQ != "" {
			after, err = strconv.ParseUint(afterQ, 10, 64)
			if err != nil {
				http.Error(w, `{"error":"invalid after"}`, http.StatusBadRequest)
				return
			}
		}
		ascending := r.URL.Query().Get("order") != "desc"
		refs, err = sb.RefsAfterIndex(after, ascending)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, struct {
		Refs []models.MessageRef `json:"refs"`
	}{Refs: refs})
}

func (a *API) getRef(w http.ResponseWriter, r *http.Request) {
	sb, err := a.subscription(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	index, perr := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if perr != nil {
		http.Error(w, `{"error":"invalid index"}`, http.StatusBadRequest)
		return
	}
	ref, err := sb.RefByIndex(index)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, ref)
}

func (a *API) markRefRead(w http.ResponseWriter, r *http.Request) {
	sb, err := a.subscription(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	index, perr := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if perr != nil {
		http.Error(w, `{"error":"invalid index"}`, http.StatusBadRequest)
		return
	}
	if err := sb.MarkRefRead(index); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "read"})
}

func (a *API) triggerSync(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.SynchronizeAll(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "synchronized"})
}
