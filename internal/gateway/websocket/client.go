package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/appctx"
	apperrors "github.com/kandev/agentchat/internal/common/errors"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/gateway/wire"
	"github.com/kandev/agentchat/internal/session"
	ws "github.com/kandev/agentchat/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	sendBuffer = 256
)

// Client represents a single WebSocket connection. It joins at most one room
// at a time; the room id is the session id.
type Client struct {
	ID       string
	conn     *websocket.Conn
	hub      *Hub
	registry *session.Registry
	maxLen   int
	logger   *logger.Logger

	dispatcher *ws.Dispatcher

	send      chan []byte
	quit      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	room      string
	session   *session.Session
	sentToken string
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, registry *session.Registry, maxLen int, log *logger.Logger) *Client {
	c := &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		registry: registry,
		maxLen:   maxLen,
		send:     make(chan []byte, sendBuffer),
		quit:     make(chan struct{}),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
	c.dispatcher = ws.NewDispatcher()
	c.dispatcher.RegisterFunc(ws.TypeJoin, c.handleJoin)
	c.dispatcher.RegisterFunc(ws.TypeMessage, c.handleMessage)
	c.dispatcher.RegisterFunc(ws.TypeLeave, c.handleLeave)
	c.dispatcher.RegisterFunc(ws.TypeInterrupt, c.handleInterrupt)
	return c
}

// Room returns the joined room, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// ReadPump reads frames until the connection closes. Closing detaches the
// joined session but leaves it registered for a later join.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.detach()
		c.hub.Unregister(c)
		c.closeSend()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		frame, err := ws.ParseFrame(message)
		if err != nil {
			c.logger.Debug("Failed to parse frame", zap.Error(err))
			c.sendError(apperrors.ValidationError("frame", err.Error()))
			continue
		}

		c.logger.Debug("Received frame", zap.String("type", frame.Type))
		if !c.dispatcher.HasHandler(frame.Type) {
			c.sendError(apperrors.ValidationError("type", "unknown frame type "+frame.Type))
			continue
		}
		if err := c.dispatcher.Dispatch(ctx, frame); err != nil {
			c.sendError(apperrors.FromSession(err))
		}
	}
}

func (c *Client) handleJoin(ctx context.Context, f *ws.Frame) error {
	if err := session.ValidateID(f.RoomID); err != nil {
		return err
	}
	c.detach()

	s, _, err := c.registry.GetOrCreate(ctx, f.RoomID, session.CreateOptions{ResumeToken: f.SDKSessionID})
	if err != nil {
		c.logger.Warn("Failed to join room", zap.String("room_id", f.RoomID), zap.Error(err))
		return err
	}
	s.Attach()

	c.mu.Lock()
	c.room = f.RoomID
	c.session = s
	c.sentToken = ""
	c.mu.Unlock()
	c.hub.Join(c, f.RoomID)

	c.sendFrame(ws.TypeJoined, ws.JoinedPayload{RoomID: f.RoomID, Resumed: s.Resumed()})
	return nil
}

func (c *Client) handleMessage(ctx context.Context, f *ws.Frame) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return apperrors.NotJoined()
	}
	if appErr := wire.ValidateMessage(f.Content, c.maxLen); appErr != nil {
		return appErr
	}

	// The turn outlives the connection: a dropped socket leaves it running so a
	// reconnecting client finds the session idle again. Hub shutdown still stops it.
	turnCtx, cancel := appctx.Detached(ctx, c.hub.Done())
	go func() {
		defer cancel()
		terminated := false
		err := c.registry.RunTurn(turnCtx, s, f.Content, func(o session.Output) {
			if o.Kind == session.OutDone || o.Kind == session.OutError {
				terminated = true
			}
			c.emit(s, o)
		})
		if err != nil && !terminated {
			c.sendError(apperrors.FromSession(err))
		}
	}()
	return nil
}

func (c *Client) emit(s *session.Session, o session.Output) {
	switch o.Kind {
	case session.OutDone:
		if o.Token != "" && !o.Interrupted {
			c.mu.Lock()
			first := c.session == s && c.sentToken != o.Token
			if first {
				c.sentToken = o.Token
			}
			c.mu.Unlock()
			if first {
				c.sendFrame(ws.TypeSDKSessionID, ws.SDKSessionIDPayload{SDKSessionID: o.Token})
			}
		}
		c.sendFrame(ws.TypeDone, ws.DonePayload{Interrupted: o.Interrupted})
	case session.OutError:
		c.sendError(apperrors.FromSession(o.Err))
	default:
		if typ, payload, ok := wire.Frame(o); ok {
			c.sendFrame(typ, payload)
		}
	}
}

func (c *Client) handleLeave(ctx context.Context, f *ws.Frame) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == "" {
		return apperrors.NotJoined()
	}
	c.detach()
	if err := c.registry.Leave(ctx, room); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	c.sendFrame(ws.TypeLeft, ws.LeftPayload{RoomID: room})
	return nil
}

func (c *Client) handleInterrupt(ctx context.Context, f *ws.Frame) error {
	room := c.Room()
	if room == "" {
		return apperrors.NotJoined()
	}
	return c.registry.InterruptSession(ctx, room)
}

// detach unbinds the client from its room without removing the session.
func (c *Client) detach() {
	c.mu.Lock()
	s, room := c.session, c.room
	c.session, c.room, c.sentToken = nil, "", ""
	c.mu.Unlock()
	if s != nil {
		s.Detach()
		c.hub.Leave(c, room)
	}
}

func (c *Client) sendFrame(frameType string, payload any) {
	data, err := ws.Encode(frameType, payload)
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}

	// Turn frames are ordered and must not be lost: a full buffer blocks the
	// sender until the writer catches up or the client is closed.
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.quit:
	}
}

func (c *Client) sendError(appErr *apperrors.AppError) {
	c.sendFrame(ws.TypeError, ws.ErrorPayload{Error: appErr.Message, Code: appErr.Code})
}

// closeSend stops the writer and releases blocked senders; later sends are dropped.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// WritePump writes queued frames to the connection, one WebSocket message each.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeSend()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
