package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/consultscribe/internal/observe"
	"github.com/MrWong99/consultscribe/pkg/protocol"
)

// maxFrameBytes caps a single client frame.
const maxFrameBytes = 64 << 10

// ServeWS upgrades the request to a websocket and serves the frame protocol
// until either side closes. One goroutine reads client frames, another
// drains the connection's outbound queue.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		observe.Logger(r.Context()).Debug("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := h.NewConn()
	log := observe.Logger(r.Context()).With("conn_id", c.ID())
	log.Debug("websocket connected", "remote_addr", r.RemoteAddr)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return h.readLoop(ctx, ws, c) })
	g.Go(func() error { return h.writeLoop(ctx, ws, c) })
	err = g.Wait()

	h.Disconnect(c)

	switch {
	case errors.Is(err, ErrConnClosed):
		ws.Close(websocket.StatusGoingAway, "server shutting down")
	case errors.Is(err, ErrConnLagged):
		log.Warn("closing lagged websocket", "dropped", c.Dropped())
		ws.Close(protocol.StatusResync, "outbound queue overflowed, rejoin to resynchronise")
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		log.Debug("websocket closed by peer")
		ws.CloseNow()
	default:
		log.Debug("websocket connection ended", "error", err)
		ws.Close(websocket.StatusInternalError, "connection error")
	}
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, c *Conn) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.Enqueue(protocol.ErrorFrame("binary frames are not supported"))
			continue
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.Enqueue(protocol.ErrorFrame(fmt.Sprintf("malformed frame: %v", err)))
			continue
		}
		if err := f.Validate(); err != nil {
			c.Enqueue(protocol.ErrorFrame(err.Error()))
			continue
		}
		if err := h.dispatch(ctx, c, f); err != nil {
			c.Enqueue(protocol.ErrorFrame(err.Error()))
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeJoin:
		_, err := h.Join(ctx, c, f.SessionID, f.Role)
		return err
	case protocol.TypeLeave:
		h.Leave(c)
	case protocol.TypeMarkUsed:
		sessionID, _ := c.Session()
		if sessionID == "" {
			return ErrNotJoined
		}
		_, err := h.MarkUsed(ctx, sessionID, f.SuggestionID)
		return err
	}
	return nil
}

func (h *Hub) writeLoop(ctx context.Context, ws *websocket.Conn, c *Conn) error {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err = wsjson.Write(wctx, ws, f)
		cancel()
		if err != nil {
			return fmt.Errorf("realtime: write %s frame: %w", f.Type, err)
		}
	}
}
