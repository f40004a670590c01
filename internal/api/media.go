package api

import (
	"context"
	"errors"
	"io"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/session"
)

// webCall upgrades the request to a WebSocket and runs a browser voice
// session against the agent. The client streams 16 kHz mono PCM frames as
// binary messages and receives the agent's audio the same way. The handler
// blocks for the lifetime of the call.
func (s *Server) webCall(c *gin.Context) {
	if s.d.Media == nil {
		failValidation(c, "web calls are not enabled on this deployment")
		return
	}

	opts := &websocket.AcceptOptions{}
	if s.origin != "" {
		opts.OriginPatterns = []string{s.origin}
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.log.Warn("web call upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	path := &wsAudio{conn: conn}
	sessionID, err := s.d.Media.Attach(c.Request.Context(), c.Param("agentId"), path, path)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("web call session failed", "session_id", sessionID, "err", err)
		if apperr.Is(err, apperr.Admission) {
			conn.Close(websocket.StatusTryAgainLater, "at capacity")
			return
		}
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

// wsAudio adapts a WebSocket connection to the session's audio interfaces.
// Binary messages carry PCM in both directions; other message types are
// skipped. A peer close reads as io.EOF, which the session treats as the
// caller hanging up.
type wsAudio struct {
	conn *websocket.Conn
}

var _ session.AudioInput = (*wsAudio)(nil)
var _ session.AudioOutput = (*wsAudio)(nil)

func (w *wsAudio) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (w *wsAudio) WriteAudio(ctx context.Context, pcm []byte) error {
	return w.conn.Write(ctx, websocket.MessageBinary, pcm)
}
