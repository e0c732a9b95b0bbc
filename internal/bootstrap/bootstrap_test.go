package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"
)

const waitFor = 3 * time.Second

type backend struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	count atomic.Int32
	stop  chan struct{}
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	be := &backend{conns: make(chan *websocket.Conn, 4), stop: make(chan struct{})}
	be.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		be.count.Add(1)
		be.conns <- c
		<-be.stop
	}))
	t.Cleanup(func() {
		close(be.stop)
		be.srv.Close()
	})
	return be
}

func (be *backend) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-be.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("backend never saw a connection")
		return nil
	}
}

type signInBridge struct {
	mu     sync.Mutex
	userID string
}

func (b *signInBridge) signIn(id string) {
	b.mu.Lock()
	b.userID = id
	b.mu.Unlock()
}

func (b *signInBridge) CurrentUserID() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID, b.userID != ""
}

func (b *signInBridge) FreshToken(context.Context, bool) (string, error) {
	if _, ok := b.CurrentUserID(); !ok {
		return "", auth.ErrUnavailable
	}
	return "tok", nil
}

type noopHandler struct{}

func (noopHandler) HandleLifecycle(context.Context, channel.Lifecycle) {}
func (noopHandler) HandleFrame(context.Context, channel.Frame)         {}

func newTestSession(t *testing.T, endpoint string, bridge auth.Bridge) (*Session, *store.DB, *channel.Manager) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zaptest.NewLogger(t)
	b := bus.New()
	ch := channel.New(channel.Options{
		Endpoint:   endpoint,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, bridge, status.NewMachine(b), logger)
	t.Cleanup(func() { _ = ch.Close() })

	d := outbox.NewDispatcher(db, ch, logger)
	eng := intsync.NewEngine(db, ch, d, bridge, intsync.Profile{DisplayName: "Me"}, b, logger)
	return NewSession(bridge, db, ch, eng, logger), db, ch
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartIsIdempotent(t *testing.T) {
	be := newBackend(t)
	sess, _, ch := newTestSession(t, be.srv.URL, &signInBridge{userID: "me"})
	ctx := context.Background()

	for range 3 {
		if err := sess.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	if err := sess.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	be.nextConn(t)
	waitUntil(t, "connected", ch.Connected)
	time.Sleep(50 * time.Millisecond)
	if n := be.count.Load(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	if ch.AttachListeners(noopHandler{}) {
		t.Error("listeners were not attached by Start")
	}
}

func TestStartWithoutUserDefers(t *testing.T) {
	be := newBackend(t)
	bridge := &signInBridge{}
	sess, _, ch := newTestSession(t, be.srv.URL, bridge)
	ctx := context.Background()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ch.State() != status.Uninitialized {
		t.Fatalf("state = %s, want %s", ch.State(), status.Uninitialized)
	}

	bridge.signIn("me")
	if err := sess.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	be.nextConn(t)
	waitUntil(t, "connected", ch.Connected)
}

func TestStartRetriesAfterFailure(t *testing.T) {
	be := newBackend(t)
	sess, db, ch := newTestSession(t, be.srv.URL, &signInBridge{userID: "me"})
	ctx := context.Background()

	if _, err := db.Exec(`ALTER TABLE outbox RENAME TO outbox_moved`); err != nil {
		t.Fatal(err)
	}
	if err := sess.Start(ctx); err == nil {
		t.Fatal("Start() succeeded without an outbox table")
	}
	if err := sess.Start(ctx); err == nil {
		t.Fatal("second Start() was a no-op after a failure")
	}
	if ch.State() != status.Uninitialized {
		t.Fatalf("state = %s, want %s", ch.State(), status.Uninitialized)
	}

	if _, err := db.Exec(`ALTER TABLE outbox_moved RENAME TO outbox`); err != nil {
		t.Fatal(err)
	}
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	be.nextConn(t)
	waitUntil(t, "connected", ch.Connected)
	if ch.AttachListeners(noopHandler{}) {
		t.Error("listeners were not attached by Start")
	}
}

func TestOfflineSendDeliveredAfterStart(t *testing.T) {
	be := newBackend(t)
	sess, db, _ := newTestSession(t, be.srv.URL, &signInBridge{userID: "me"})
	ctx := context.Background()

	m, err := sess.Engine().Send(ctx, "c1", intsync.Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Start(ctx); err != nil {
		t.Fatal(err)
	}

	c := be.nextConn(t)
	rctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	var req struct {
		Event string             `json:"event"`
		Data  outbox.SendRequest `json:"data"`
	}
	for req.Event != outbox.EventSend {
		if err := wsjson.Read(rctx, c, &req); err != nil {
			t.Fatalf("backend read: %v", err)
		}
	}
	if req.Data.ClientID != m.ClientID || req.Data.ChatID != "c1" {
		t.Fatalf("msg:send = %+v", req.Data)
	}

	ack := map[string]any{
		"event": intsync.EventSendAck,
		"data":  map[string]string{"chatId": "c1", "clientId": m.ClientID, "messageId": "m1", "status": "sent"},
	}
	if err := wsjson.Write(rctx, c, ack); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "ack applied", func() bool {
		row, err := db.GetMessage("m1")
		return err == nil && row != nil && row.Status == store.StatusSent
	})
	if n, _ := db.OutboxCount(); n != 0 {
		t.Errorf("outbox = %d, want 0", n)
	}
	if n, _ := db.MessageCount(); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestModuleGraph(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "test"})); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}
