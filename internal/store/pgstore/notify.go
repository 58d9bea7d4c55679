package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/feothyuth/claude-orchestrator/internal/store"
)

// notifyHub maintains the single dedicated LISTEN connection used by every
// Subscribe call on this adapter and fans incoming NOTIFY payloads out to
// per-subscriber channels, supporting an arbitrary number of dynamically
// named channels rather than one fixed channel per connection.
type notifyHub struct {
	connString string

	conn   *pgx.Conn
	connMu sync.Mutex

	cmdCh   chan listenCmd
	running atomic.Bool

	channels   map[string]bool
	channelsMu sync.RWMutex

	// listenGen guards against a stale UNLISTEN racing a newer LISTEN for
	// the same channel — see processPendingCmds.
	listenGen   map[string]uint64
	listenGenMu sync.Mutex

	subs   map[string]map[string]*subscription
	subsMu sync.RWMutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

type listenCmd struct {
	sql     string
	channel string
	gen     uint64
	result  chan error
}

func newNotifyHub(connString string) *notifyHub {
	return &notifyHub{
		connString: connString,
		channels:   make(map[string]bool),
		listenGen:  make(map[string]uint64),
		subs:       make(map[string]map[string]*subscription),
		cmdCh:      make(chan listenCmd, 16),
	}
}

func (h *notifyHub) start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, h.connString)
	if err != nil {
		return fmt.Errorf("%w: connect LISTEN connection: %v", store.ErrTransientIO, err)
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()
	h.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancelLoop = cancel
	h.loopDone = make(chan struct{})
	go func() {
		defer close(h.loopDone)
		h.receiveLoop(loopCtx)
	}()

	slog.Info("notify hub started")
	return nil
}

func (h *notifyHub) stop(ctx context.Context) {
	h.running.Store(false)
	if h.cancelLoop != nil {
		h.cancelLoop()
	}
	if h.loopDone != nil {
		<-h.loopDone
	}

	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn != nil {
		_ = h.conn.Close(ctx)
		h.conn = nil
	}
}

// subscription implements store.Subscription.
type subscription struct {
	id      string
	channel string
	ch      chan store.Message
	hub     *notifyHub
	once    sync.Once
}

func (s *subscription) Messages() <-chan store.Message { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.hub.removeSub(context.Background(), s.channel, s.id)
		close(s.ch)
	})
	return nil
}

// subscribe registers a new subscriber for channel, issuing LISTEN on the
// shared connection if this is the first subscriber for that channel.
func (h *notifyHub) subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	sub := &subscription{
		id:      uuid.NewString(),
		channel: channel,
		ch:      make(chan store.Message, 64),
		hub:     h,
	}

	h.subsMu.Lock()
	set, exists := h.subs[channel]
	if !exists {
		set = make(map[string]*subscription)
		h.subs[channel] = set
	}
	set[sub.id] = sub
	needsListen := !exists
	h.subsMu.Unlock()

	if needsListen {
		if err := h.listen(ctx, channel); err != nil {
			h.removeSub(ctx, channel, sub.id)
			return nil, err
		}
	}

	// Auto-unsubscribe when the caller's context is cancelled, matching the
	// substrate contract that a cancelled subscription releases its
	// transport resources without the caller calling Close explicitly.
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return sub, nil
}

func (h *notifyHub) removeSub(ctx context.Context, channel, id string) {
	h.subsMu.Lock()
	set, exists := h.subs[channel]
	if exists {
		delete(set, id)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
	isLast := exists && len(set) == 0
	h.subsMu.Unlock()

	if isLast {
		h.unlisten(ctx, channel)
	}
}

func (h *notifyHub) listen(ctx context.Context, channel string) error {
	if !h.running.Load() {
		return fmt.Errorf("%w: LISTEN connection not established", store.ErrTransientIO)
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "LISTEN " + sanitized, channel: channel, result: make(chan error, 1)}

	select {
	case h.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("%w: LISTEN %s: %v", store.ErrTransientIO, sanitized, err)
		}
		h.channelsMu.Lock()
		h.channels[channel] = true
		h.channelsMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *notifyHub) unlisten(parentCtx context.Context, channel string) {
	if !h.running.Load() {
		return
	}

	h.listenGenMu.Lock()
	gen := h.listenGen[channel]
	h.listenGenMu.Unlock()

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "UNLISTEN " + sanitized, channel: channel, gen: gen + 1, result: make(chan error, 1)}
	// gen+1 is never zero, distinguishing UNLISTEN commands (which carry a
	// positive generation to check for staleness) from LISTEN commands
	// (gen == 0, always executed unconditionally).

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = parentCtx

	select {
	case h.cmdCh <- cmd:
	case <-ctx.Done():
		return
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			slog.Error("UNLISTEN failed", "channel", channel, "error", err)
		}
	case <-ctx.Done():
	}
}

func (h *notifyHub) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		h.processPendingCmds(ctx)

		h.connMu.Lock()
		conn := h.conn
		h.connMu.Unlock()

		if conn == nil {
			h.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			h.reconnect(ctx)
			continue
		}

		h.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

func (h *notifyHub) dispatch(channel string, payload []byte) {
	h.subsMu.RLock()
	set := h.subs[channel]
	subs := make([]*subscription, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	h.subsMu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- store.Message{Channel: channel, Payload: payload}:
		default:
			// Backpressure isolation: a slow subscriber drops messages
			// rather than stalling delivery to every other subscriber.
			slog.Warn("dropping notify message for slow subscriber", "channel", channel)
		}
	}
}

func (h *notifyHub) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-h.cmdCh:
			if cmd.gen > 0 {
				h.listenGenMu.Lock()
				stale := h.listenGen[cmd.channel]+1 != cmd.gen
				h.listenGenMu.Unlock()
				if stale {
					cmd.result <- nil
					continue
				}
			}

			h.connMu.Lock()
			conn := h.conn
			h.connMu.Unlock()

			if conn == nil {
				cmd.result <- fmt.Errorf("%w: LISTEN connection not established", store.ErrTransientIO)
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)

			if err == nil && cmd.gen == 0 && cmd.channel != "" {
				h.listenGenMu.Lock()
				h.listenGen[cmd.channel]++
				h.listenGenMu.Unlock()
			}
			if err == nil && cmd.gen > 0 {
				h.channelsMu.Lock()
				delete(h.channels, cmd.channel)
				h.channelsMu.Unlock()
			}

			cmd.result <- err
		default:
			return
		}
	}
}

func (h *notifyHub) reconnect(ctx context.Context) {
	h.connMu.Lock()
	if h.conn != nil {
		_ = h.conn.Close(ctx)
		h.conn = nil
	}
	h.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, h.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		h.connMu.Lock()
		h.conn = conn
		h.connMu.Unlock()

		h.channelsMu.RLock()
		for ch := range h.channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		h.channelsMu.RUnlock()

		slog.Info("notify hub reconnected")
		return
	}
}
