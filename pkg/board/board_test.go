package board

import (
	"errors"
	"fmt"
	"testing"

	"forumdb/pkg/models"
	"forumdb/pkg/store"
	"forumdb/pkg/validation"
)

// routing keys are base64url encodings, as delivered by the identity layer
const (
	alice = "YWxpY2Utcm91dGluZy1rZXk"
	bob   = "Ym9iLXJvdXRpbmcta2V5"
	carol = "Y2Fyb2wtcm91dGluZy1rZXk"

	reader    = "cmVhZGVyLXJvdXRpbmcta2V5"
	testBoard = "en.test"
)

func newTestManager(t *testing.T, trust TrustPolicy) *Manager {
	t.Helper()
	if err := store.Open(t.TempDir(), Schemas()...); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(trust, nil)
}

func testMessage(t *testing.T, author, title string, date int64) *models.Message {
	t.Helper()
	id, err := validation.DeriveID(author)
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}
	return &models.Message{
		ID:     id,
		URI:    "chk://key-" + id + "#" + id,
		Title:  title,
		Body:   "body of " + title,
		Author: author,
		Date:   date,
		Boards: []string{testBoard},
		Origin: models.OriginFetched,
	}
}

func asReply(msg, root, parent *models.Message) *models.Message {
	msg.ThreadURI = root.URI
	msg.ParentURI = parent.URI
	return msg
}

func accept(t *testing.T, mgr *Manager, msgs ...*models.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := mgr.AcceptMessage(m); err != nil {
			t.Fatalf("accept %s: %v", m.Title, err)
		}
	}
}

func syncBoard(t *testing.T, sb *SubscribedBoard) {
	t.Helper()
	if err := sb.Synchronize(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
}

func TestSyncIndexesRootAndReply(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := testMessage(t, alice, "root", 100)
	reply := asReply(testMessage(t, bob, "reply", 200), root, root)
	accept(t, mgr, root, reply)
	syncBoard(t, sb)

	threads, err := sb.Threads()
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("got %d threads", len(threads))
	}
	th := threads[0]
	if th.IsGhost() || th.ThreadID != root.ID || th.MessageDate != 100 {
		t.Fatalf("bad thread link %+v", th)
	}
	if th.LastReplyDate != 200 {
		t.Fatalf("last reply date %d", th.LastReplyDate)
	}
	if th.WasThreadRead {
		t.Fatal("fresh thread marked read")
	}

	replies, err := sb.ThreadReplies(root.ID, true)
	if err != nil {
		t.Fatalf("replies: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies", len(replies))
	}
	rl := replies[0]
	if rl.MessageID != reply.ID || rl.ParentID != root.ID {
		t.Fatalf("bad reply link %+v", rl)
	}
	if !rl.ParentResolved || !rl.ThreadResolved {
		t.Fatalf("reply not resolved: %+v", rl)
	}

	if n, _ := sb.MessageCount(); n != 2 {
		t.Fatalf("message count %d", n)
	}
	if n, _ := sb.UnreadMessageCount(); n != 2 {
		t.Fatalf("unread count %d", n)
	}
	if sb.HighestSyncedIndex() != 2 {
		t.Fatalf("watermark %d", sb.HighestSyncedIndex())
	}

	// a second run has nothing new and must not change the watermark
	syncBoard(t, sb)
	if sb.HighestSyncedIndex() != 2 {
		t.Fatalf("watermark moved to %d", sb.HighestSyncedIndex())
	}
}

func TestReplyBeforeRootCreatesGhostThenPromotes(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := testMessage(t, alice, "root", 100)
	reply := asReply(testMessage(t, bob, "reply", 200), root, root)

	accept(t, mgr, reply)
	syncBoard(t, sb)

	threads, _ := sb.Threads()
	if len(threads) != 1 || !threads[0].IsGhost() {
		t.Fatalf("expected one ghost thread, got %+v", threads)
	}
	if threads[0].LastReplyDate != 200 {
		t.Fatalf("ghost last reply date %d", threads[0].LastReplyDate)
	}
	if _, err := sb.LatestThread(); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LatestThread over ghosts only: %v", err)
	}
	replies, _ := sb.ThreadReplies(root.ID, true)
	if len(replies) != 1 || replies[0].ThreadResolved {
		t.Fatalf("reply should be thread-unresolved: %+v", replies)
	}

	accept(t, mgr, root)
	syncBoard(t, sb)

	threads, _ = sb.Threads()
	if len(threads) != 1 || threads[0].IsGhost() {
		t.Fatalf("ghost not promoted: %+v", threads)
	}
	th := threads[0]
	if th.MessageID != root.ID || th.MessageDate != 100 || th.LastReplyDate != 200 {
		t.Fatalf("promoted link wrong: %+v", th)
	}
	if th.WasRead || th.WasThreadRead {
		t.Fatalf("promoted link should be unread: %+v", th)
	}
	replies, _ = sb.ThreadReplies(root.ID, true)
	if !replies[0].ThreadResolved || !replies[0].ParentResolved {
		t.Fatalf("reply not relinked after promotion: %+v", replies[0])
	}
	lt, err := sb.LatestThread()
	if err != nil || lt.ThreadID != root.ID {
		t.Fatalf("LatestThread: %+v, %v", lt, err)
	}
}

func TestReplyToReplyForksThread(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := testMessage(t, alice, "root", 100)
	mid := asReply(testMessage(t, bob, "mid", 200), root, root)
	// carol replies to mid as if it were a thread root
	fork := asReply(testMessage(t, carol, "fork", 300), mid, mid)

	accept(t, mgr, root, mid)
	syncBoard(t, sb)
	accept(t, mgr, fork)
	syncBoard(t, sb)

	threads, _ := sb.Threads()
	if len(threads) != 2 {
		t.Fatalf("expected original and forked thread, got %+v", threads)
	}
	// sorted by last reply date descending: fork thread first
	if threads[0].ThreadID != mid.ID || threads[0].IsGhost() {
		t.Fatalf("forked thread wrong: %+v", threads[0])
	}
	if threads[0].LastReplyDate != 300 {
		t.Fatalf("forked thread last reply %d", threads[0].LastReplyDate)
	}
	if threads[1].ThreadID != root.ID {
		t.Fatalf("original thread wrong: %+v", threads[1])
	}

	// mid keeps its reply link in the original thread
	origReplies, _ := sb.ThreadReplies(root.ID, true)
	if len(origReplies) != 1 || origReplies[0].MessageID != mid.ID {
		t.Fatalf("original thread replies: %+v", origReplies)
	}
	forkReplies, _ := sb.ThreadReplies(mid.ID, true)
	if len(forkReplies) != 1 || forkReplies[0].MessageID != fork.ID {
		t.Fatalf("forked thread replies: %+v", forkReplies)
	}
	if !forkReplies[0].ParentResolved || !forkReplies[0].ThreadResolved {
		t.Fatalf("fork reply not resolved: %+v", forkReplies[0])
	}
}

func TestRootInAnotherBoardStillBacksThread(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// the root is only posted elsewhere; this board sees just the reply
	root := testMessage(t, alice, "root elsewhere", 100)
	root.Boards = []string{"en.other"}
	reply := asReply(testMessage(t, bob, "reply here", 200), root, root)
	accept(t, mgr, root, reply)
	syncBoard(t, sb)
	syncBoard(t, sb)

	threads, _ := sb.Threads()
	if len(threads) != 1 || threads[0].IsGhost() {
		t.Fatalf("fetched root left a ghost: %+v", threads)
	}
	th := threads[0]
	if th.MessageID != root.ID || th.MessageDate != 100 || th.LastReplyDate != 200 {
		t.Fatalf("thread link: %+v", th)
	}
	replies, _ := sb.ThreadReplies(root.ID, true)
	if len(replies) != 1 || !replies[0].ThreadResolved {
		t.Fatalf("reply not resolved: %+v", replies)
	}
}

func TestSubscribeRejectsMalformedSubscriber(t *testing.T) {
	mgr := newTestManager(t, nil)
	victim, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	accept(t, mgr, testMessage(t, alice, "content", 100))

	// crafted to land inside the victim's thread key prefix
	evil := reader + ":" + testBoard + ":thread"
	var ve *validation.Error
	if _, err := mgr.Subscribe(evil, "en.c"); !errors.As(err, &ve) {
		t.Fatalf("malformed subscriber accepted: %v", err)
	}
	if _, err := mgr.Subscribe("", testBoard); !errors.As(err, &ve) {
		t.Fatalf("empty subscriber accepted: %v", err)
	}

	syncBoard(t, victim)
	threads, _ := victim.Threads()
	if len(threads) != 1 {
		t.Fatalf("victim view polluted: %+v", threads)
	}
}

func TestDeleteRootDegradesToGhost(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := testMessage(t, alice, "root", 100)
	r1 := asReply(testMessage(t, bob, "r1", 200), root, root)
	r2 := asReply(testMessage(t, bob, "r2", 300), root, root)
	accept(t, mgr, root, r1, r2)
	syncBoard(t, sb)

	if err := mgr.DeleteMessagesFrom(alice); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := mgr.MessageByID(root.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("root still fetchable: %v", err)
	}
	threads, _ := sb.Threads()
	if len(threads) != 1 || !threads[0].IsGhost() {
		t.Fatalf("root deletion should leave a ghost: %+v", threads)
	}
	if threads[0].LastReplyDate != 300 || threads[0].MessageDate != 0 {
		t.Fatalf("ghost dates wrong: %+v", threads[0])
	}
	replies, _ := sb.ThreadReplies(root.ID, true)
	if len(replies) != 2 {
		t.Fatalf("replies lost: %+v", replies)
	}
	for _, rl := range replies {
		if rl.ThreadResolved {
			t.Fatalf("reply still thread-resolved after root deletion: %+v", rl)
		}
		if rl.ParentID == root.ID && rl.ParentResolved {
			t.Fatalf("reply still parent-resolved after root deletion: %+v", rl)
		}
	}
}

func TestDeleteReplyRecomputesLastReplyDate(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := testMessage(t, alice, "root", 100)
	r1 := asReply(testMessage(t, bob, "r1", 200), root, root)
	r2 := asReply(testMessage(t, carol, "r2", 300), root, root)
	accept(t, mgr, root, r1, r2)
	syncBoard(t, sb)

	if err := mgr.DeleteMessagesFrom(carol); err != nil {
		t.Fatalf("delete: %v", err)
	}

	threads, _ := sb.Threads()
	if len(threads) != 1 || threads[0].IsGhost() {
		t.Fatalf("thread damaged by reply deletion: %+v", threads)
	}
	if threads[0].LastReplyDate != 200 {
		t.Fatalf("last reply date not recomputed: %d", threads[0].LastReplyDate)
	}
	replies, _ := sb.ThreadReplies(root.ID, true)
	if len(replies) != 1 || replies[0].MessageID != r1.ID {
		t.Fatalf("replies after deletion: %+v", replies)
	}
}

func TestDeleteLastReplyRemovesGhost(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := testMessage(t, alice, "unfetched root", 100)
	reply := asReply(testMessage(t, bob, "only reply", 200), root, root)
	accept(t, mgr, reply)
	syncBoard(t, sb)

	threads, _ := sb.Threads()
	if len(threads) != 1 || !threads[0].IsGhost() {
		t.Fatalf("setup: expected ghost, got %+v", threads)
	}

	if err := mgr.DeleteMessagesFrom(bob); err != nil {
		t.Fatalf("delete: %v", err)
	}
	threads, _ = sb.Threads()
	if len(threads) != 0 {
		t.Fatalf("empty ghost survived: %+v", threads)
	}
	if n, _ := sb.MessageCount(); n != 0 {
		t.Fatalf("message count %d", n)
	}
}

func TestMarkReadAndCounts(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := testMessage(t, alice, "root", 100)
	r1 := asReply(testMessage(t, bob, "r1", 200), root, root)
	accept(t, mgr, root, r1)
	syncBoard(t, sb)

	if n, _ := sb.UnreadMessageCount(); n != 2 {
		t.Fatalf("unread %d", n)
	}
	if n, _ := sb.ThreadUnreadReplyCount(root.ID); n != 1 {
		t.Fatalf("unread replies %d", n)
	}

	if err := sb.MarkThreadRead(root.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, _ := sb.UnreadMessageCount(); n != 0 {
		t.Fatalf("unread after mark %d", n)
	}
	threads, _ := sb.Threads()
	if !threads[0].WasThreadRead || !threads[0].WasRead {
		t.Fatalf("thread not marked read: %+v", threads[0])
	}

	// a new reply makes the thread unread again
	r2 := asReply(testMessage(t, bob, "r2", 300), root, root)
	accept(t, mgr, r2)
	syncBoard(t, sb)

	threads, _ = sb.Threads()
	if threads[0].WasThreadRead {
		t.Fatal("thread still marked read after new reply")
	}
	if n, _ := sb.UnreadMessageCount(); n != 1 {
		t.Fatalf("unread after new reply %d", n)
	}

	ref, err := sb.RefOfMessage(r2.ID)
	if err != nil {
		t.Fatalf("ref of message: %v", err)
	}
	if err := sb.MarkRefRead(ref.Index); err != nil {
		t.Fatalf("mark ref read: %v", err)
	}
	if n, _ := sb.UnreadMessageCount(); n != 0 {
		t.Fatalf("unread after ref read %d", n)
	}
}

func TestOrderIndependence(t *testing.T) {
	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, perm := range perms {
		perm := perm
		t.Run(fmt.Sprintf("order_%v", perm), func(t *testing.T) {
			mgr := newTestManager(t, nil)
			sb, err := mgr.Subscribe(reader, testBoard)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}

			a := testMessage(t, alice, "a", 100)
			b := asReply(testMessage(t, bob, "b", 200), a, a)
			c := asReply(testMessage(t, carol, "c", 300), a, b)
			msgs := []*models.Message{a, b, c}

			for _, i := range perm {
				accept(t, mgr, msgs[i])
				syncBoard(t, sb)
			}

			threads, _ := sb.Threads()
			if len(threads) != 1 {
				t.Fatalf("threads: %+v", threads)
			}
			th := threads[0]
			if th.IsGhost() || th.ThreadID != a.ID || th.MessageDate != 100 || th.LastReplyDate != 300 {
				t.Fatalf("thread link: %+v", th)
			}
			replies, _ := sb.ThreadReplies(a.ID, true)
			if len(replies) != 2 {
				t.Fatalf("replies: %+v", replies)
			}
			if replies[0].MessageID != b.ID || replies[1].MessageID != c.ID {
				t.Fatalf("reply order: %+v", replies)
			}
			for _, rl := range replies {
				if !rl.ParentResolved || !rl.ThreadResolved {
					t.Fatalf("unresolved reply: %+v", rl)
				}
			}
			if n, _ := sb.MessageCount(); n != 3 {
				t.Fatalf("message count %d", n)
			}
		})
	}
}

func TestOwnMessageRejected(t *testing.T) {
	mgr := newTestManager(t, nil)
	own := testMessage(t, alice, "draft", 100)
	own.Origin = models.OriginOwn
	err := mgr.AcceptMessage(own)
	if !IsPolicy(err) {
		t.Fatalf("expected policy error, got %v", err)
	}
}

type rejectAuthor string

func (r rejectAuthor) WantsMessagesFrom(subscriber, author string) (bool, error) {
	return author != string(r), nil
}

func TestUnwantedAuthorSkipped(t *testing.T) {
	mgr := newTestManager(t, rejectAuthor(bob))
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := testMessage(t, alice, "root", 100)
	reply := asReply(testMessage(t, bob, "unwanted", 200), root, root)
	accept(t, mgr, root, reply)
	syncBoard(t, sb)

	threads, _ := sb.Threads()
	if len(threads) != 1 || threads[0].LastReplyDate != 100 {
		t.Fatalf("unwanted reply leaked in: %+v", threads)
	}
	replies, _ := sb.ThreadReplies(root.ID, true)
	if len(replies) != 0 {
		t.Fatalf("unwanted reply indexed: %+v", replies)
	}
	// the watermark still covers the skipped message
	if sb.HighestSyncedIndex() != 2 {
		t.Fatalf("watermark %d", sb.HighestSyncedIndex())
	}
}

func TestReplyToBoardIsRepaired(t *testing.T) {
	mgr := newTestManager(t, nil)

	msg := testMessage(t, alice, "crossposted", 100)
	msg.ReplyToBoard = "en.other"
	accept(t, mgr, msg)

	if !msg.PostedTo("en.other") {
		t.Fatalf("reply-to board not added: %v", msg.Boards)
	}
	boards, err := mgr.Boards()
	if err != nil {
		t.Fatalf("boards: %v", err)
	}
	names := map[string]bool{}
	for _, b := range boards {
		names[b.Name] = true
	}
	if !names["en.other"] || !names[testBoard] {
		t.Fatalf("boards after repair: %+v", boards)
	}
}

func TestParentWithoutThreadStaysRoot(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	other := testMessage(t, bob, "elsewhere", 50)
	msg := testMessage(t, alice, "odd", 100)
	msg.ParentURI = other.URI // parent named, no thread
	accept(t, mgr, msg)
	syncBoard(t, sb)

	threads, _ := sb.Threads()
	if len(threads) != 1 || threads[0].ThreadID != msg.ID || threads[0].IsGhost() {
		t.Fatalf("message with dangling parent not indexed as root: %+v", threads)
	}
}

func TestDuplicateAcceptIsNoop(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg := testMessage(t, alice, "once", 100)
	accept(t, mgr, msg, msg)
	syncBoard(t, sb)

	if n, _ := sb.MessageCount(); n != 1 {
		t.Fatalf("message count %d", n)
	}
	if sb.HighestSyncedIndex() != 1 {
		t.Fatalf("watermark %d", sb.HighestSyncedIndex())
	}
}

func TestUnsubscribeRemovesView(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	firstID := sb.ID()

	msg := testMessage(t, alice, "content", 100)
	accept(t, mgr, msg)
	syncBoard(t, sb)

	if err := mgr.Unsubscribe(reader, testBoard); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := mgr.Subscription(reader, testBoard); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("subscription lookup after unsubscribe: %v", err)
	}

	// re-subscribing starts a fresh view with a new identifier
	sb2, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	if sb2.ID() == firstID {
		t.Fatal("subscription id reused")
	}
	if sb2.HighestSyncedIndex() != 0 {
		t.Fatalf("fresh watermark %d", sb2.HighestSyncedIndex())
	}
	threads, _ := sb2.Threads()
	if len(threads) != 0 {
		t.Fatalf("old links survived: %+v", threads)
	}
	syncBoard(t, sb2)
	threads, _ = sb2.Threads()
	if len(threads) != 1 {
		t.Fatalf("message not re-indexed: %+v", threads)
	}
}

func TestLoadSubscriptionsRestoresWatermark(t *testing.T) {
	mgr := newTestManager(t, nil)
	sb, err := mgr.Subscribe(reader, testBoard)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msg := testMessage(t, alice, "persisted", 100)
	accept(t, mgr, msg)
	syncBoard(t, sb)

	// a second manager over the same store sees the same subscription state
	mgr2 := NewManager(nil, nil)
	if err := mgr2.LoadSubscriptions(); err != nil {
		t.Fatalf("load subscriptions: %v", err)
	}
	sb2, err := mgr2.Subscription(reader, testBoard)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if sb2.ID() != sb.ID() {
		t.Fatalf("id mismatch: %s vs %s", sb2.ID(), sb.ID())
	}
	if sb2.HighestSyncedIndex() != 1 {
		t.Fatalf("watermark %d", sb2.HighestSyncedIndex())
	}
}
