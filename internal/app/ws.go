package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"secondbrain/api/internal/log"
	"secondbrain/api/internal/model"
	"secondbrain/api/internal/rbac"
	"secondbrain/api/internal/roomsync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// Client frame types.
const (
	frameSnapshot     = "snapshot"
	framePresence     = "presence"
	frameCursor       = "cursor"
	frameEdit         = "edit"
	frameChat         = "chat"
	frameStartEditing = "start_editing"
	frameStopEditing  = "stop_editing"
)

// Server-only frame types.
const (
	frameHistory       = "history"
	frameActiveEditors = "active_editors"
	frameStatus        = "status"
	frameError         = "error"
)

type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type serverFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type cursorInput struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type chatInput struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

type stopEditingInput struct {
	ResourceID string `json:"resource_id"`
	Field      string `json:"field"`
}

var errSlowConsumer = errors.New("client is not reading frames")

// roomClient is one websocket connection bound to one room session.
type roomClient struct {
	conn     *websocket.Conn
	session  *roomsync.Session
	identity model.Identity
	role     rbac.Role
	logger   *slog.Logger

	send      chan serverFrame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *HTTPServer) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "roomID")
	identity := identityFrom(r.Context())
	logger := log.FromContext(r.Context()).With("room", room, "user_id", identity.UserID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	client := &roomClient{
		conn:     conn,
		session:  s.service.NewRoomSession(logger),
		identity: identity,
		role:     rbac.Normalize(identity.Role),
		logger:   logger,
		send:     make(chan serverFrame, sendBufferSize),
		done:     make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		client.writePump()
	}()

	stop := client.session.Listen(client.forward)
	client.session.Mount(ctx, room, identity.Presence(r.URL.Query().Get("page")))
	logger.Info("room client connected", "role", client.role)

	client.readPump(ctx)

	stop()
	client.session.Unmount(context.Background())
	client.close(nil)
	writers.Wait()
	logger.Info("room client disconnected", "reason", client.closeErr)
}

// forward turns session events into frames. It runs on transport delivery
// paths and must never block.
func (c *roomClient) forward(e roomsync.Event) {
	switch e.Kind {
	case roomsync.EventHistory:
		c.enqueue(serverFrame{Type: frameHistory, Data: CachedHistory{
			ChatMessages: e.ChatMessages,
			EditHistory:  e.EditHistory,
		}})
	case roomsync.EventPresence:
		c.enqueue(serverFrame{Type: framePresence, Data: e.Presences})
	case roomsync.EventChat:
		c.enqueue(serverFrame{Type: frameChat, Data: e.Chat})
	case roomsync.EventEdit:
		c.enqueue(serverFrame{Type: frameEdit, Data: e.Edit})
	case roomsync.EventActiveEditors:
		c.enqueue(serverFrame{Type: frameActiveEditors, Data: e.ActiveEditors})
	case roomsync.EventStatus:
		c.enqueue(serverFrame{Type: frameStatus, Data: map[string]any{"room": e.Room, "connected": e.Connected}})
	}
}

func (c *roomClient) enqueue(frame serverFrame) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.close(errSlowConsumer)
	}
}

func (c *roomClient) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
	})
}

func (c *roomClient) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.sendError("INVALID_FRAME", "Frame is not valid JSON")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "err", err)
			}
			c.close(err)
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		c.dispatch(ctx, frame)
	}
}

func (c *roomClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeWait)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.conn.Close()
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed", "err", err)
				c.close(err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *roomClient) dispatch(ctx context.Context, frame clientFrame) {
	action, known := frameActions[frame.Type]
	if !known {
		c.sendError("UNKNOWN_FRAME", "Unknown frame type "+frame.Type)
		return
	}
	if !rbac.Can(c.role, action) {
		c.sendError("FORBIDDEN", "Role "+string(c.role)+" may not send "+frame.Type)
		return
	}

	switch frame.Type {
	case frameSnapshot:
		c.enqueue(serverFrame{Type: frameSnapshot, Data: c.session.Snapshot()})
	case framePresence:
		var update model.PresenceUpdate
		if !c.decode(frame, &update) {
			return
		}
		c.session.UpdatePresence(ctx, update)
	case frameCursor:
		var cursor cursorInput
		if !c.decode(frame, &cursor) {
			return
		}
		c.session.MoveCursor(ctx, cursor.X, cursor.Y)
	case frameEdit:
		var edit model.CollaborativeEdit
		if !c.decode(frame, &edit) {
			return
		}
		if edit.Field == "" {
			c.sendError("INVALID_EDIT", "Edit field is required")
			return
		}
		edit.UserID = c.identity.UserID
		c.session.SendEdit(ctx, edit)
	case frameChat:
		var input chatInput
		if !c.decode(frame, &input) {
			return
		}
		if input.Content == "" {
			c.sendError("INVALID_CHAT", "Message content is required")
			return
		}
		msgType := model.ChatTypeMessage
		if input.Type == model.ChatTypeSystem && c.role == rbac.RoleAdmin {
			msgType = model.ChatTypeSystem
		}
		c.session.SendChatMessage(ctx, model.ChatMessage{
			UserID:   c.identity.UserID,
			Username: c.identity.Username,
			Avatar:   c.identity.Avatar,
			Content:  input.Content,
			Type:     msgType,
		})
	case frameStartEditing:
		var claim model.ActiveEditor
		if !c.decode(frame, &claim) {
			return
		}
		c.session.StartEditing(ctx, claim)
	case frameStopEditing:
		var input stopEditingInput
		if !c.decode(frame, &input) {
			return
		}
		c.session.StopEditing(ctx, input.ResourceID, input.Field)
	}
}

var frameActions = map[string]rbac.Action{
	frameSnapshot:     rbac.ActionObserve,
	framePresence:     rbac.ActionChat,
	frameCursor:       rbac.ActionChat,
	frameChat:         rbac.ActionChat,
	frameEdit:         rbac.ActionEdit,
	frameStartEditing: rbac.ActionEdit,
	frameStopEditing:  rbac.ActionEdit,
}

func (c *roomClient) decode(frame clientFrame, target any) bool {
	if len(frame.Data) == 0 {
		c.sendError("INVALID_FRAME", "Frame "+frame.Type+" requires data")
		return false
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		c.sendError("INVALID_FRAME", "Frame "+frame.Type+" has malformed data")
		return false
	}
	return true
}

func (c *roomClient) sendError(code, message string) {
	c.enqueue(serverFrame{Type: frameError, Data: map[string]any{"code": code, "error": message}})
}
