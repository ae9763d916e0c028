package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voceria/voceria/internal/protocol"
	"github.com/voceria/voceria/internal/session"
)

const (
	// writeTimeout bounds one frame write. A client that cannot drain its
	// socket for this long is shed rather than allowed to stall synthesis.
	writeTimeout = 10 * time.Second

	// ctrlQueueSize buffers control messages awaiting the serial dispatcher.
	// The read loop blocks when it fills, which preserves arrival order.
	ctrlQueueSize = 32
)

// wsTransport adapts a WebSocket connection to session.Transport. The mutex
// serializes writers: the session sends frames and audio from several
// goroutines, and the connection permits one writer at a time.
type wsTransport struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ session.Transport = (*wsTransport)(nil)

func (t *wsTransport) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal frame: %w", err)
	}
	return t.write(websocket.MessageText, data)
}

func (t *wsTransport) SendAudio(chunk []byte) error {
	return t.write(websocket.MessageBinary, chunk)
}

func (t *wsTransport) write(typ websocket.MessageType, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, typ, data)
}

// handleSession upgrades the connection and runs the client protocol until
// the socket closes or the server shuts down.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	// Voice clients are embedded in arbitrary pages; origin policy is the
	// deployment's concern, not the protocol's.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	// On shutdown the connection is closed with a proper close frame.
	// Cancelling the read context instead would sever the TCP stream
	// before the close handshake, so clients would see an abnormal end.
	stop := context.AfterFunc(s.baseCtx, func() {
		_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
	})
	defer stop()

	ctx := r.Context()
	id := uuid.NewString()
	transport := &wsTransport{ctx: ctx, conn: conn}
	c := &client{
		id:        id,
		conn:      conn,
		transport: transport,
		sess:      s.newSession(id, transport),
		mgr:       s.mgr,
	}
	slog.Info("client connected", "session_id", id, "remote", r.RemoteAddr)
	c.run(ctx)
	slog.Info("client disconnected", "session_id", id)
}

// client drives one connection: a read loop feeding the session, and a
// serial dispatcher that applies control messages strictly in arrival order.
type client struct {
	id        string
	conn      *websocket.Conn
	transport *wsTransport
	sess      *session.Session
	mgr       *session.Manager
}

func (c *client) run(ctx context.Context) {
	defer c.conn.Close(websocket.StatusNormalClosure, "session over")
	defer c.mgr.Remove(c.id)
	defer func() {
		if err := c.sess.Stop(); err != nil {
			slog.Warn("session stop", "session_id", c.id, "error", err)
		}
	}()

	c.mgr.Add(c.sess)
	c.sess.Start()

	// Control messages run on their own goroutine so a settling cancel
	// cannot stall binary audio, but still one at a time and in order.
	ctrl := make(chan protocol.ClientMessage, ctrlQueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range ctrl {
			c.dispatch(msg)
		}
	}()
	defer wg.Wait()
	defer close(ctrl)

	c.readLoop(ctx, ctrl)
}

func (c *client) dispatch(msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.ClientAudioReady:
		c.sess.OnAudioReady()
	case protocol.ClientCancel:
		c.sess.OnCancel()
	case protocol.ClientReset:
		c.sess.OnReset()
	}
}

// readLoop pumps the socket until it closes: binary frames go straight to
// the session, control frames join the serial queue, and pings are answered
// inline so liveness probes work even while a control message settles.
func (c *client) readLoop(ctx context.Context, ctrl chan<- protocol.ClientMessage) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != -1 && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				slog.Info("client closed abnormally", "session_id", c.id, "status", status)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.sess.OnAudio(data)
		case websocket.MessageText:
			msg, err := protocol.ParseClientMessage(data)
			if err != nil {
				slog.Warn("malformed control frame", "session_id", c.id, "error", err)
				continue
			}
			switch {
			case msg.Type == protocol.ClientPing:
				if err := c.transport.SendJSON(protocol.NewPong()); err != nil {
					slog.Debug("pong failed", "session_id", c.id, "error", err)
				}
			case msg.Type.IsValid():
				ctrl <- msg
			default:
				slog.Debug("ignoring unknown control message", "session_id", c.id, "type", msg.Type)
			}
		}
	}
}
