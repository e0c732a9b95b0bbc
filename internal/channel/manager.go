// Package channel owns the single real-time connection to the chat backend
// and keeps it alive across drops.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotConnected is returned by Emit while the channel is offline.
	ErrNotConnected = errors.New("channel not connected")
	// ErrAuthFailed means credential refresh kept failing and the manager
	// stopped reconnecting.
	ErrAuthFailed = errors.New("channel authentication failed")
)

const (
	writeWait             = 10 * time.Second
	readLimit             = 1 << 20
	eventBuffer           = 256
	jitterDivisor         = 4
	maxCredentialFailures = 2
)

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a connection to endpoint carrying header.
type DialFunc func(ctx context.Context, endpoint string, header http.Header) (Conn, error)

// DialWebsocket is the default DialFunc.
func DialWebsocket(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Handler receives everything the channel observes, one call at a time.
type Handler interface {
	HandleLifecycle(ctx context.Context, ev Lifecycle)
	HandleFrame(ctx context.Context, f Frame)
}

// Options configures a Manager.
type Options struct {
	Endpoint    string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	DialTimeout time.Duration
	Dial        DialFunc
}

func (o *Options) setDefaults() {
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(30*time.Second, o.MinBackoff)
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.Dial == nil {
		o.Dial = DialWebsocket
	}
}

type dispatch struct {
	frame *Frame
	life  *Lifecycle
}

// Manager is the process-wide channel.
type Manager struct {
	opts    Options
	auth    auth.Bridge
	machine *status.Machine
	logger  *zap.Logger

	flight   singleflight.Group
	events   chan dispatch
	attached atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu         sync.Mutex
	conn       Conn
	credential string
	running    bool
	fatal      error
}

// New creates a manager. Nothing is dialed until ConnectOnce.
func New(opts Options, bridge auth.Bridge, machine *status.Machine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		auth:    bridge,
		machine: machine,
		logger:  logger,
		events:  make(chan dispatch, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ConnectOnce establishes the connection if none exists. Concurrent and
// repeated calls share one connection. Once the first attempt has been made
// the manager keeps reconnecting on its own, so a failed dial is logged and
// not returned. Returns auth.ErrUnavailable when nobody is signed in.
func (m *Manager) ConnectOnce(ctx context.Context) error {
	if err := m.Err(); err != nil {
		return err
	}
	if m.Connected() {
		return nil
	}
	_, err, _ := m.flight.Do("connect", func() (any, error) {
		return nil, m.connect(ctx)
	})
	return err
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if running {
		return nil
	}
	if m.ctx.Err() != nil {
		return ErrNotConnected
	}

	if _, ok := m.auth.CurrentUserID(); !ok {
		return auth.ErrUnavailable
	}
	token, err := m.auth.FreshToken(ctx, false)
	if err != nil {
		if !errors.Is(err, auth.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", auth.ErrUnavailable, err)
		}
		return err
	}
	m.setCredential(token)

	done, err := m.dial(ctx)
	if err != nil {
		m.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	m.wg.Add(1)
	go m.supervise(done)
	return nil
}

// dial opens one connection with the current credential and starts its
// reader. The returned channel yields the read error when it drops.
func (m *Manager) dial(ctx context.Context) (<-chan error, error) {
	if err := m.machine.Transition(status.Connecting); err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.currentCredential())

	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	conn, err := m.opts.Dial(dctx, m.opts.Endpoint, header)
	if err != nil {
		_ = m.machine.Transition(status.Disconnected)
		m.push(dispatch{life: &Lifecycle{Kind: LifecycleConnectError, Err: err}})
		return nil, fmt.Errorf("dial %s: %w", m.opts.Endpoint, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	if err := m.machine.Transition(status.Connected); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	m.logger.Info("channel connected", zap.String("endpoint", m.opts.Endpoint))
	m.push(dispatch{life: &Lifecycle{Kind: LifecycleConnect}})

	done := make(chan error, 1)
	go m.read(conn, done)
	return done, nil
}

func (m *Manager) read(conn Conn, done chan<- error) {
	for {
		typ, data, err := conn.Read(m.ctx)
		if err != nil {
			done <- err
			return
		}
		if typ != websocket.MessageText {
			m.logger.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			m.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		m.push(dispatch{frame: &f})
	}
}

// supervise waits for the connection to drop and reconnects with jittered
// exponential backoff until the manager is closed or credentials fail.
func (m *Manager) supervise(done <-chan error) {
	defer m.wg.Done()

	backoff := m.opts.MinBackoff
	failures := 0
	for {
		if done != nil {
			select {
			case err := <-done:
				m.dropConn()
				if m.ctx.Err() != nil {
					return
				}
				_ = m.machine.Transition(status.Disconnected)
				m.logger.Warn("channel disconnected", zap.Error(err))
				m.push(dispatch{life: &Lifecycle{Kind: LifecycleDisconnect, Err: err}})
				backoff = m.opts.MinBackoff
			case <-m.ctx.Done():
				return
			}
		}

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		token, err := m.auth.FreshToken(m.ctx, true)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			failures++
			m.logger.Warn("credential refresh failed",
				zap.Int("consecutive", failures), zap.Error(err))
			if failures >= maxCredentialFailures {
				m.fail(err)
				return
			}
		} else {
			failures = 0
			m.setCredential(token)
		}

		var derr error
		done, derr = m.dial(m.ctx)
		if derr != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("reconnect failed", zap.Duration("backoff", backoff), zap.Error(derr))
			backoff = min(backoff*2, m.opts.MaxBackoff)
		}
	}
}

func (m *Manager) fail(cause error) {
	m.mu.Lock()
	m.fatal = fmt.Errorf("%w: %w", ErrAuthFailed, cause)
	m.mu.Unlock()
	_ = m.machine.Transition(status.AuthFailed)
	m.logger.Error("giving up on channel, credentials rejected", zap.Error(cause))
	m.push(dispatch{life: &Lifecycle{Kind: LifecycleAuthFailed, Err: cause}})
}

func (m *Manager) push(d dispatch) {
	if d.life != nil && d.life.Kind == LifecycleConnectError {
		// Repeats while offline; dropped when the buffer is full.
		select {
		case m.events <- d:
		default:
			m.logger.Debug("dropping connect error, dispatcher busy")
		}
		return
	}
	select {
	case m.events <- d:
	case <-m.ctx.Done():
	}
}

// AttachListeners installs the handler and starts delivering events to it.
// Only the first call has any effect; it reports whether h was installed.
// Events that arrived before attachment are delivered first.
func (m *Manager) AttachListeners(h Handler) bool {
	if h == nil || !m.attached.CompareAndSwap(false, true) {
		return false
	}
	m.wg.Add(1)
	go m.deliver(h)
	return true
}

func (m *Manager) deliver(h Handler) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case d := <-m.events:
			switch {
			case d.life != nil:
				h.HandleLifecycle(m.ctx, *d.life)
			case d.frame != nil:
				h.HandleFrame(m.ctx, *d.frame)
			}
		}
	}
}

// Emit sends one event. Returns ErrNotConnected when offline.
func (m *Manager) Emit(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.machine.Current() != status.Connected {
		return ErrNotConnected
	}

	b, err := encodeFrame(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrNotConnected, event, err)
	}
	return nil
}

// Connected reports whether a connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	open := m.conn != nil
	m.mu.Unlock()
	return open && m.machine.Current() == status.Connected
}

// State returns the channel state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Err returns ErrAuthFailed once the manager has given up.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Close stops reconnecting, closes the connection and waits for the
// supervisor and dispatcher to exit.
func (m *Manager) Close() error {
	m.cancel()
	if conn := m.dropConn(); conn != nil {
		// The reader may already have torn the connection down.
		if err := conn.Close(websocket.StatusNormalClosure, "shutting down"); err != nil {
			m.logger.Debug("close connection", zap.Error(err))
		}
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) dropConn() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) setCredential(token string) {
	m.mu.Lock()
	m.credential = token
	m.mu.Unlock()
}

func (m *Manager) currentCredential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}
