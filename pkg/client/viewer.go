// Package client is a reference viewer for the consultscribe realtime
// protocol.
//
// A [Viewer] joins one session over the websocket endpoint, renders the
// history snapshot and live updates, and reconnects when the connection
// drops. Every utterance and suggestion is rendered exactly once. Live
// updates pass a [dedup.Cache] keyed by event identity, which absorbs
// retransmissions, and an index of everything rendered so far. A history
// snapshot replaces the rendered transcript and suggestion list with the
// server's canonical order; only identities not rendered before are
// reported as new.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/consultscribe/pkg/dedup"
	"github.com/MrWong99/consultscribe/pkg/protocol"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// ErrNotConnected is returned by [Viewer.MarkUsed] between connections.
var ErrNotConnected = errors.New("client: not connected")

// Default reconnect backoff.
const (
	defaultBackoff    = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// Config configures a [Viewer].
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL string

	SessionID string
	Role      protocol.Role

	// HTTPHeader is sent with every dial.
	HTTPHeader http.Header

	// DedupCapacity and DedupKeep size the identity cache. Zero selects the
	// [dedup] defaults.
	DedupCapacity int
	DedupKeep     int

	// Backoff is the first reconnect delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnRender, when non-nil, is called for every newly rendered item.
	OnRender func(Item)
}

// Item is one rendered line of the viewer.
type Item struct {
	Identity   string
	Entry      *types.Entry
	Suggestion *types.Suggestion
}

// Viewer renders one session.
type Viewer struct {
	cfg  Config
	seen *dedup.Cache

	mu          sync.Mutex
	conn        *websocket.Conn
	entries     []types.Entry
	suggestions []types.Suggestion
	rendered    map[string]struct{}
	usedIDs     map[string]bool
	degraded    bool
	connects  int
	lastError string

	readyOnce sync.Once
	ready     chan struct{}
}

// NewViewer creates a [Viewer]. Call [Viewer.Run] to start it.
func NewViewer(cfg Config) *Viewer {
	if cfg.Role == "" {
		cfg.Role = protocol.RoleClinician
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Viewer{
		cfg:     cfg,
		seen:     dedup.New(cfg.DedupCapacity, cfg.DedupKeep),
		rendered: make(map[string]struct{}),
		usedIDs:  make(map[string]bool),
		ready:    make(chan struct{}),
	}
}

// Run connects and keeps reconnecting until ctx is cancelled. It returns
// nil on cancellation.
func (v *Viewer) Run(ctx context.Context) error {
	backoff := v.cfg.Backoff
	for {
		start := time.Now()
		err := v.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// Reset after a connection that lasted or a server-requested resync.
		if time.Since(start) > v.cfg.MaxBackoff || websocket.CloseStatus(err) == protocol.StatusResync {
			backoff = v.cfg.Backoff
		}
		slog.Debug("viewer disconnected, reconnecting",
			"session_id", v.cfg.SessionID,
			"backoff", backoff,
			"error", err,
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, v.cfg.MaxBackoff)
	}
}

// serve runs one connection until it fails.
func (v *Viewer) serve(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, v.cfg.URL, &websocket.DialOptions{HTTPHeader: v.cfg.HTTPHeader})
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	defer conn.CloseNow()

	join := protocol.Frame{Type: protocol.TypeJoin, SessionID: v.cfg.SessionID, Role: v.cfg.Role}
	if err := wsjson.Write(ctx, conn, join); err != nil {
		return fmt.Errorf("client: join: %w", err)
	}

	v.mu.Lock()
	v.conn = conn
	v.connects++
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.conn = nil
		v.mu.Unlock()
	}()

	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		v.apply(f)
	}
}

func (v *Viewer) apply(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeHistory:
		v.resync(f.History, f.Suggestions)
		v.readyOnce.Do(func() { close(v.ready) })

	case protocol.TypeUpdate:
		id := f.Identity()
		if id == "" || v.seen.Seen(id) {
			return
		}
		var it Item
		v.mu.Lock()
		if _, ok := v.rendered[id]; ok {
			v.mu.Unlock()
			return
		}
		switch {
		case f.Utterance != nil:
			e := f.Utterance.Entry()
			v.entries = append(v.entries, e)
			it = Item{Identity: id, Entry: &e}
		case f.Suggestion != nil:
			s := *f.Suggestion
			v.suggestions = append(v.suggestions, s)
			it = Item{Identity: id, Suggestion: &s}
		}
		v.rendered[id] = struct{}{}
		v.mu.Unlock()
		v.notify(it)

	case protocol.TypeSuggestionUsed:
		v.mu.Lock()
		v.usedIDs[f.SuggestionID] = true
		v.mu.Unlock()

	case protocol.TypeDegraded:
		v.mu.Lock()
		v.degraded = true
		v.mu.Unlock()
		slog.Warn("session degraded", "session_id", f.SessionID, "message", f.Message)

	case protocol.TypeError:
		v.mu.Lock()
		v.lastError = f.Message
		v.mu.Unlock()
		slog.Warn("server rejected frame", "session_id", v.cfg.SessionID, "message", f.Message)
	}
}

// resync adopts a history snapshot. The snapshot is the canonical prefix of
// the session, so it replaces what is on screen; lines rendered earlier but
// absent from it are kept after it.
func (v *Viewer) resync(history []types.Entry, ledger []types.Suggestion) {
	var (
		fresh []Item
		ids   = make([]string, 0, len(history)+len(ledger))
		inSet = make(map[string]struct{}, len(history)+len(ledger))
	)

	v.mu.Lock()
	v.degraded = false

	entries := make([]types.Entry, 0, len(history)+len(v.entries))
	for _, e := range history {
		id := protocol.EntryIdentity(e)
		if _, dup := inSet[id]; dup {
			continue
		}
		inSet[id] = struct{}{}
		ids = append(ids, id)
		entries = append(entries, e)
		if _, ok := v.rendered[id]; !ok {
			v.rendered[id] = struct{}{}
			fresh = append(fresh, Item{Identity: id, Entry: &e})
		}
	}
	for _, e := range v.entries {
		if _, ok := inSet[protocol.EntryIdentity(e)]; !ok {
			entries = append(entries, e)
		}
	}
	v.entries = entries

	suggestions := make([]types.Suggestion, 0, len(ledger)+len(v.suggestions))
	for _, s := range ledger {
		id := protocol.SuggestionIdentity(s)
		if _, dup := inSet[id]; dup {
			continue
		}
		inSet[id] = struct{}{}
		ids = append(ids, id)
		suggestions = append(suggestions, s)
		if s.Used {
			v.usedIDs[s.ID] = true
		}
		if _, ok := v.rendered[id]; !ok {
			v.rendered[id] = struct{}{}
			fresh = append(fresh, Item{Identity: id, Suggestion: &s})
		}
	}
	for _, s := range v.suggestions {
		if _, ok := inSet[protocol.SuggestionIdentity(s)]; !ok {
			suggestions = append(suggestions, s)
		}
	}
	v.suggestions = suggestions
	v.mu.Unlock()

	v.seen.Seed(ids...)
	for _, it := range fresh {
		v.notify(it)
	}
}

func (v *Viewer) notify(it Item) {
	if it.Identity != "" && v.cfg.OnRender != nil {
		v.cfg.OnRender(it)
	}
}

// Ready is closed once the first history snapshot has been rendered.
func (v *Viewer) Ready() <-chan struct{} { return v.ready }

// MarkUsed tells the server the clinician used a suggestion.
func (v *Viewer) MarkUsed(ctx context.Context, suggestionID string) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, protocol.Frame{Type: protocol.TypeMarkUsed, SuggestionID: suggestionID})
}

// Transcript returns the rendered transcript lines in display order.
func (v *Viewer) Transcript() []types.Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.entries)
}

// Suggestions returns the rendered suggestions with their used flag
// reflecting suggestion_used notifications.
func (v *Viewer) Suggestions() []types.Suggestion {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := slices.Clone(v.suggestions)
	for i := range out {
		if v.usedIDs[out[i].ID] {
			out[i].Used = true
		}
	}
	return out
}

// Degraded reports whether the server announced degraded persistence since
// the last history snapshot.
func (v *Viewer) Degraded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.degraded
}

// Connects returns how many connections have been established.
func (v *Viewer) Connects() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connects
}

// LastError returns the message of the last error frame received.
func (v *Viewer) LastError() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastError
}
