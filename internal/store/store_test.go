package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustUpsert(t *testing.T, db *DB, m *Message) {
	t.Helper()
	if _, err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
}

func mustGet(t *testing.T, db *DB, id string) *Message {
	t.Helper()
	m, err := db.GetMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatalf("message %q not found", id)
	}
	return m
}

func strPtr(s string) *string { return &s }

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ChatID: "chat", SenderID: "u2", Body: "hello", CreatedAt: 1000, Status: StatusSent}
	created, err := db.UpsertMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first upsert should report created")
	}

	msg.Body = "hello updated"
	created, err = db.UpsertMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second upsert should not report created")
	}

	msgs, err := db.ListMessages("chat", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

func TestUpsertKeepsLocalState(t *testing.T) {
	db := testDB(t)

	mustUpsert(t, db, &Message{ID: "m1", ChatID: "chat", Body: "hi", CreatedAt: 1000, Status: StatusRead})
	if _, err := db.HideLocally("m1"); err != nil {
		t.Fatal(err)
	}

	// A replayed copy from the server must not undo local state.
	mustUpsert(t, db, &Message{ID: "m1", ChatID: "chat", Body: "hi", CreatedAt: 5000, Status: StatusSent})

	got := mustGet(t, db, "m1")
	if !got.HiddenLocally {
		t.Error("hidden_locally was cleared by upsert")
	}
	if got.Status != StatusRead {
		t.Errorf("status = %q, want read (no backward move)", got.Status)
	}
	if got.CreatedAt != 1000 {
		t.Errorf("created_at = %d, want 1000 (never overwritten)", got.CreatedAt)
	}
}

func TestListMessagesOrdersByCreatedAt(t *testing.T) {
	db := testDB(t)

	for _, m := range []*Message{
		{ID: "b", ChatID: "chat", Body: "100", CreatedAt: 100},
		{ID: "a", ChatID: "chat", Body: "50", CreatedAt: 50},
		{ID: "c", ChatID: "chat", Body: "150", CreatedAt: 150},
		{ID: "x", ChatID: "other", Body: "elsewhere", CreatedAt: 10},
	} {
		mustUpsert(t, db, m)
	}

	msgs, err := db.ListMessages("chat", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{50, 100, 150}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.CreatedAt != want[i] {
			t.Errorf("msgs[%d].CreatedAt = %d, want %d", i, m.CreatedAt, want[i])
		}
	}

	// The limit keeps the newest rows, still ascending.
	msgs, err = db.ListMessages("chat", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].CreatedAt != 100 || msgs[1].CreatedAt != 150 {
		t.Errorf("limited list = %+v, want createdAt 100,150", msgs)
	}
}

func TestListMessagesDecodesStructuredFields(t *testing.T) {
	db := testDB(t)

	mustUpsert(t, db, &Message{
		ID: "m1", ChatID: "chat", Kind: KindImage, Caption: "look", CreatedAt: 1,
		MediaRefs: []MediaRef{{URL: "https://cdn/x.png", MimeType: "image/png", Size: 42}},
		ReplyToID: "m0",
		ReplyTo:   &ReplySnapshot{MessageID: "m0", SenderID: "u1", Body: "original"},
	})

	msgs, err := db.ListMessages("chat", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if len(m.MediaRefs) != 1 || m.MediaRefs[0].URL != "https://cdn/x.png" || m.MediaRefs[0].Size != 42 {
		t.Errorf("media refs = %+v", m.MediaRefs)
	}
	if m.ReplyTo == nil || m.ReplyTo.Body != "original" {
		t.Errorf("reply snapshot = %+v", m.ReplyTo)
	}
	if m.Kind != KindImage {
		t.Errorf("kind = %q, want image", m.Kind)
	}
}

func TestReplaceIdentifier(t *testing.T) {
	db := testDB(t)

	mustUpsert(t, db, &Message{ID: "c1", ClientID: "c1", ChatID: "chat", Body: "hi", CreatedAt: 1000, Status: StatusPending})

	res, err := db.ReplaceIdentifier("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if res != Replaced {
		t.Errorf("result = %s, want replaced", res)
	}

	got := mustGet(t, db, "m1")
	if got.ClientID != "c1" || got.Status != StatusSent || got.Body != "hi" || got.CreatedAt != 1000 {
		t.Errorf("replaced row = %+v", got)
	}
	if old, _ := db.GetMessage("c1"); old != nil {
		t.Error("temporary id still present")
	}

	// Second call with the same arguments is a benign duplicate.
	res, err = db.ReplaceIdentifier("c1", "m1")
	if err != nil {
		t.Fatalf("second ReplaceIdentifier error = %v", err)
	}
	if res != ReplaceDuplicate {
		t.Errorf("second result = %s, want duplicate", res)
	}

	// An unknown temporary id is a no-op.
	res, err = db.ReplaceIdentifier("nope", "m9")
	if err != nil {
		t.Fatalf("missing ReplaceIdentifier error = %v", err)
	}
	if res != ReplaceMissing {
		t.Errorf("missing result = %s, want missing", res)
	}

	msgs, _ := db.ListMessages("chat", 10)
	if len(msgs) != 1 {
		t.Errorf("got %d rows, want 1", len(msgs))
	}
}

func TestReplaceIdentifierMigratesReplies(t *testing.T) {
	db := testDB(t)

	mustUpsert(t, db, &Message{ID: "c1", ClientID: "c1", ChatID: "chat", Body: "first", CreatedAt: 1})
	mustUpsert(t, db, &Message{
		ID: "c2", ClientID: "c2", ChatID: "chat", Body: "reply", CreatedAt: 2,
		ReplyToID: "c1", ReplyTo: &ReplySnapshot{MessageID: "c1", Body: "first"},
	})

	if _, err := db.ReplaceIdentifier("c1", "m1"); err != nil {
		t.Fatal(err)
	}

	reply := mustGet(t, db, "c2")
	if reply.ReplyToID != "m1" {
		t.Errorf("reply_to_id = %q, want m1", reply.ReplyToID)
	}
	if reply.ReplyTo == nil || reply.ReplyTo.MessageID != "m1" || reply.ReplyTo.Body != "first" {
		t.Errorf("reply snapshot = %+v, want messageId m1", reply.ReplyTo)
	}
}

func TestReplaceIdentifierFoldsEcho(t *testing.T) {
	db := testDB(t)

	mustUpsert(t, db, &Message{ID: "c1", ClientID: "c1", ChatID: "chat", Body: "hi", CreatedAt: 1000})
	// The broadcast of our own message arrived before the ack.
	mustUpsert(t, db, &Message{ID: "m1", ChatID: "chat", Body: "hi", CreatedAt: 1001, Status: StatusDelivered})

	res, err := db.ReplaceIdentifier("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if res != Replaced {
		t.Errorf("result = %s, want replaced", res)
	}

	msgs, _ := db.ListMessages("chat", 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].ClientID != "c1" || msgs[0].Status != StatusDelivered || msgs[0].CreatedAt != 1000 {
		t.Errorf("folded row = %+v", msgs[0])
	}
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusPending, StatusRead, true},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusSent, StatusSent, false},
		{StatusPending, StatusFailed, true},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusSent, true},
		{StatusSent, StatusPending, false},
		{StatusPending, Status("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanAdvance(tt.from, tt.to); got != tt.want {
				t.Errorf("CanAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMarkStatusMonotonic(t *testing.T) {
	db := testDB(t)
	mustUpsert(t, db, &Message{ID: "m1", ChatID: "chat", CreatedAt: 1, Status: StatusSent})

	changed, err := db.MarkStatus("m1", StatusRead)
	if err != nil || !changed {
		t.Fatalf("MarkStatus(read) = %v, %v", changed, err)
	}
	changed, err = db.MarkStatus("m1", StatusDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("read -> delivered should be ignored")
	}
	if got := mustGet(t, db, "m1"); got.Status != StatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}

	changed, err = db.MarkStatus("missing", StatusRead)
	if err != nil || changed {
		t.Errorf("MarkStatus(missing) = %v, %v, want false, nil", changed, err)
	}
	if _, err := db.MarkStatus("m1", Status("bogus")); err == nil {
		t.Error("unknown status should be rejected")
	}
}

func TestTombstoneRespectsLocalHide(t *testing.T) {
	db := testDB(t)
	mustUpsert(t, db, &Message{ID: "m1", ChatID: "chat", Body: "keep me", Caption: "cap", CreatedAt: 1})
	mustUpsert(t, db, &Message{ID: "m2", ChatID: "chat", Body: "erase me", CreatedAt: 2})

	if _, err := db.HideLocally("m1"); err != nil {
		t.Fatal(err)
	}
	hidden, err := db.IsHiddenLocally("m1")
	if err != nil || !hidden {
		t.Fatalf("IsHiddenLocally = %v, %v", hidden, err)
	}

	changed, err := db.MarkDeletedForAll("m1")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("tombstone applied to a locally hidden message")
	}
	if got := mustGet(t, db, "m1"); got.Body != "keep me" || got.Caption != "cap" || got.DeletedForAll {
		t.Errorf("hidden row changed: %+v", got)
	}

	changed, err = db.MarkDeletedForAll("m2")
	if err != nil || !changed {
		t.Fatalf("MarkDeletedForAll(m2) = %v, %v", changed, err)
	}
	got := mustGet(t, db, "m2")
	if !got.DeletedForAll || got.Body != "" {
		t.Errorf("tombstone = %+v", got)
	}

	// Repeating is a no-op.
	changed, _ = db.MarkDeletedForAll("m2")
	if changed {
		t.Error("second tombstone reported a change")
	}

	// A full upsert carrying content does not resurrect a tombstone.
	mustUpsert(t, db, &Message{ID: "m2", ChatID: "chat", Body: "back?", CreatedAt: 2})
	if got := mustGet(t, db, "m2"); got.Body != "" || !got.DeletedForAll {
		t.Errorf("tombstone resurrected: %+v", got)
	}
}

func TestHiddenRowsLeftOutOfList(t *testing.T) {
	db := testDB(t)
	mustUpsert(t, db, &Message{ID: "m1", ChatID: "chat", CreatedAt: 1})
	mustUpsert(t, db, &Message{ID: "m2", ChatID: "chat", CreatedAt: 2})

	if _, err := db.HideLocally("m1"); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages("chat", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("list = %+v, want only m2", msgs)
	}
}

func TestPatchMessage(t *testing.T) {
	db := testDB(t)
	mustUpsert(t, db, &Message{
		ID: "m1", ChatID: "chat", SenderID: "u1", Kind: KindImage, Body: "old", Caption: "caption",
		MediaRefs: []MediaRef{{URL: "u"}}, CreatedAt: 1, Status: StatusDelivered,
	})

	edited := true
	at := int64(2000)
	patch := MessagePatch{Body: strPtr("new"), IsEdited: &edited, EditedAt: &at}
	for range 2 {
		ok, err := db.PatchMessage("m1", patch)
		if err != nil || !ok {
			t.Fatalf("PatchMessage = %v, %v", ok, err)
		}
	}

	got := mustGet(t, db, "m1")
	if got.Body != "new" || !got.IsEdited || got.EditedAt != 2000 {
		t.Errorf("patched fields = %+v", got)
	}
	if got.Caption != "caption" || len(got.MediaRefs) != 1 || got.Status != StatusDelivered || got.SenderID != "u1" {
		t.Errorf("unpatched fields changed: %+v", got)
	}

	ok, err := db.PatchMessage("missing", patch)
	if err != nil || ok {
		t.Errorf("PatchMessage(missing) = %v, %v, want false, nil", ok, err)
	}
	count, _ := db.MessageCount()
	if count != 1 {
		t.Errorf("message count = %d, want 1 (patch never inserts)", count)
	}
}

func TestPatchRefusedOnTombstone(t *testing.T) {
	db := testDB(t)
	mustUpsert(t, db, &Message{ID: "m1", ChatID: "chat", Body: "x", CreatedAt: 1})
	if _, err := db.MarkDeletedForAll("m1"); err != nil {
		t.Fatal(err)
	}
	ok, err := db.PatchMessage("m1", MessagePatch{Body: strPtr("revived")})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("patch applied to tombstone")
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := db.Enqueue("chat", id, []byte(`{"body":"`+id+`"}`)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RecordAttempt("c1"); err != nil {
		t.Fatal(err)
	}

	// Re-enqueue keeps position and attempt count.
	if err := db.Enqueue("chat", "c1", []byte(`{"body":"edited"}`)); err != nil {
		t.Fatal(err)
	}

	pending, err := db.ListPending("chat")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3", len(pending))
	}
	if pending[0].ClientID != "c1" || pending[1].ClientID != "c2" || pending[2].ClientID != "c3" {
		t.Errorf("order = %s,%s,%s, want c1,c2,c3", pending[0].ClientID, pending[1].ClientID, pending[2].ClientID)
	}
	if pending[0].AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", pending[0].AttemptCount)
	}
	if string(pending[0].Payload) != `{"body":"edited"}` {
		t.Errorf("payload = %s", pending[0].Payload)
	}

	if err := db.MarkOutboxFailed("c2", "too large"); err != nil {
		t.Fatal(err)
	}
	e, err := db.GetOutbox("c2")
	if err != nil || e == nil || e.LastError != "too large" {
		t.Fatalf("GetOutbox(c2) = %+v, %v", e, err)
	}
	if err := db.ClearOutboxError("c2"); err != nil {
		t.Fatal(err)
	}
	if e, _ = db.GetOutbox("c2"); e.LastError != "" {
		t.Errorf("last_error = %q after clear", e.LastError)
	}

	removed, err := db.Dequeue("c1")
	if err != nil || !removed {
		t.Fatalf("Dequeue(c1) = %v, %v", removed, err)
	}
	removed, err = db.Dequeue("c1")
	if err != nil || removed {
		t.Errorf("second Dequeue(c1) = %v, %v, want false, nil", removed, err)
	}

	chats, err := db.ListOutboxChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0] != "chat" {
		t.Errorf("outbox chats = %v, want [chat]", chats)
	}
}

func TestSaveOptimisticSend(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "c1", ClientID: "c1", ChatID: "chat", SenderID: "me", Body: "hi", CreatedAt: 10}
	if err := db.SaveOptimisticSend(msg, []byte(`{"kind":"text","body":"hi"}`)); err != nil {
		t.Fatal(err)
	}

	got := mustGet(t, db, "c1")
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	n, _ := db.OutboxCount()
	if n != 1 {
		t.Errorf("outbox count = %d, want 1", n)
	}
	chats, _ := db.ListOpenChats()
	if len(chats) != 1 || chats[0] != "chat" {
		t.Errorf("open chats = %v, want [chat]", chats)
	}
}

func TestOpenChats(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b", "a"} {
		if err := db.OpenChat(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.CloseChat("b"); err != nil {
		t.Fatal(err)
	}
	chats, err := db.ListOpenChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0] != "a" {
		t.Errorf("open chats = %v, want [a]", chats)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	mustUpsert(t, db, &Message{ID: "m1", ChatID: "chat", Body: "hello world", CreatedAt: 1000})
	mustUpsert(t, db, &Message{ID: "m2", ChatID: "chat", Body: "goodbye world", CreatedAt: 2000})
	mustUpsert(t, db, &Message{ID: "m3", ChatID: "chat", Body: "100% hello", CreatedAt: 3000})
	if _, err := db.HideLocally("m3"); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].ID != "m1" {
		t.Errorf("id = %q, want m1", results[0].ID)
	}

	results, err = db.SearchMessages("%", "chat", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("literal %% matched %d rows, want 0", len(results))
	}
}
