package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/skypro1111/speech-stream-service/internal/protocol"
	"github.com/skypro1111/speech-stream-service/internal/stream"
)

// wsEmitter writes session events to the client as JSON text messages
type wsEmitter struct {
	conn *websocket.Conn
}

func (e *wsEmitter) Emit(ctx context.Context, event protocol.Event) error {
	if err := protocol.ValidateEvent(&event); err != nil {
		return err
	}
	return wsjson.Write(ctx, e.conn, event)
}

// handleTranscribe upgrades the request and runs one streaming session on it
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	h.handlers.Add(1)
	defer h.handlers.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.Server.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(h.config.Server.MaxMessageBytes)

	if !h.config.Transcription.Configured() {
		h.reject(conn, r.RemoteAddr, "not_configured", websocket.StatusInternalError, "transcription backend is not configured")
		return
	}

	emitter := &wsEmitter{conn: conn}
	session, err := h.streamMgr.CreateSession(r.RemoteAddr, emitter)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrTooManySessions):
			h.reject(conn, r.RemoteAddr, "too_many_sessions", websocket.StatusTryAgainLater, "too many concurrent sessions")
		case errors.Is(err, stream.ErrManagerStopped):
			h.reject(conn, r.RemoteAddr, "shutting_down", websocket.StatusGoingAway, "server is shutting down")
		default:
			h.logger.Error("Failed to create session", slog.String("error", err.Error()))
			h.reject(conn, r.RemoteAddr, "internal_error", websocket.StatusInternalError, "failed to start session")
		}
		return
	}
	defer h.streamMgr.RemoveSession(session.ID)

	h.mu.Lock()
	h.connectionsAccepted++
	h.mu.Unlock()

	logger := h.logger.With(slog.String("session_id", session.ID))
	logger.Info("WebSocket client connected", slog.String("remote_addr", r.RemoteAddr))

	// The request context is not cancelled for hijacked connections, so the
	// reader cancels the session when the client goes away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.Message, h.config.Stream.PendingMessages)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readMessages(ctx, conn, inbound)
		cancel()
	}()

	runErr := session.Run(ctx, inbound)

	disconnected := func(err error) {
		logger.Info("WebSocket client disconnected",
			slog.Int("close_status", int(websocket.CloseStatus(err))),
			slog.Int("seq", session.Seq()),
		)
	}

	select {
	case err := <-readErr:
		disconnected(err)
		return
	default:
	}

	if runErr == nil {
		// inbound was closed by the reader, which is about to report why
		disconnected(<-readErr)
		return
	}

	if errors.Is(runErr, context.Canceled) {
		// Manager shutdown or session removal
		conn.Close(websocket.StatusGoingAway, "session ended")
	} else {
		logger.Warn("Session ended with error", slog.String("error", runErr.Error()))
		conn.Close(websocket.StatusInternalError, "session error")
	}
	cancel()
	<-readErr
}

// reject refuses a connection before a session starts
func (h *HTTPServer) reject(conn *websocket.Conn, remoteAddr, reason string, code websocket.StatusCode, message string) {
	h.mu.Lock()
	h.connectionsRejected++
	h.mu.Unlock()

	h.metrics.RecordSessionRejected(reason)
	h.logger.Warn("Refusing WebSocket session",
		slog.String("remote_addr", remoteAddr),
		slog.String("reason", reason),
	)

	conn.Close(code, message)
}

// readMessages forwards client messages to inbound until the connection
// fails. A full queue blocks the reader, which stalls the client's sends.
// It returns the read error and closes inbound.
func readMessages(ctx context.Context, conn *websocket.Conn, inbound chan<- protocol.Message) error {
	defer close(inbound)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg := protocol.Message{Kind: protocol.KindAudio, Payload: data}
		if typ == websocket.MessageText {
			msg.Kind = protocol.KindControl
		}

		select {
		case inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
