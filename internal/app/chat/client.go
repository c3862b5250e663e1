package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomrelay/internal/app/fanout"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/randx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxFrameSize = 8192

	// capacity of the outbound queue.
	sendQueueSize = 256

	// opTimeout bounds the store and bus work triggered by one inbound frame.
	opTimeout = 10 * time.Second

	// WsCloseCodeSessionKicked is a custom WebSocket Close Code (4000-4999 range)
	// used to signal the client that the session was replaced by a new connection.
	WsCloseCodeSessionKicked = 4001
)

var (
	errSendQueueFull = errors.New("chat: client send queue full")
	errClientClosed  = errors.New("chat: client closed")
)

// Client is a WebSocket connection driving the Coordinator. It implements registry.Conn.
type Client struct {
	id          string
	conn        *websocket.Conn
	coordinator *Coordinator

	// a buffered channel used to queue frames waiting to be written.
	send chan []byte

	// done is closed when the connection should be torn down.
	done      chan struct{}
	closeOnce sync.Once

	// closeFrame is written by WritePump after done is closed. Nil skips the close frame.
	closeFrame []byte

	// writerDone is closed when WritePump has returned.
	writerDone chan struct{}

	// structured logger with client context.
	logger zerolog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(coordinator *Coordinator, conn *websocket.Conn) *Client {
	id := randx.NewID()
	return &Client{
		id:          id,
		conn:        conn,
		coordinator: coordinator,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
		logger:      logx.Logger().With().Str("conn_id", id).Logger(),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues frame without blocking. A full queue drops the frame.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send channel full, dropping frame")
		return errSendQueueFull
	}
}

// Close flushes queued frames and closes the connection normally.
func (c *Client) Close() {
	c.shutdown(websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Kick tells the client its session was replaced and closes the connection with code 4001.
func (c *Client) Kick(reason string) {
	c.logger.Warn().
		Int("close_code", WsCloseCodeSessionKicked).
		Str("reason", reason).
		Msg("Kicking connection.")

	c.SendError(errs.NewError(errs.ErrSessionKicked), "")
	c.shutdown(websocket.FormatCloseMessage(WsCloseCodeSessionKicked, reason))
}

func (c *Client) shutdown(frame []byte) {
	c.closeOnce.Do(func() {
		c.closeFrame = frame
		close(c.done)
	})
}

// Serve registers the client, resolving credential when present, and runs both pumps until
// the connection ends.
func (c *Client) Serve(credential string) {
	go c.WritePump()
	defer c.cleanupOnDisconnect()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	err := c.coordinator.Connect(ctx, c, credential)
	cancel()
	if err != nil {
		c.logger.Info().Err(err).Msg("Connection rejected during identity resolution.")
		c.SendError(err, "")
		return
	}

	c.ReadPump()
}

// ReadPump reads frames until the connection fails or is closed.
func (c *Client) ReadPump() {
	c.conn.SetReadLimit(maxFrameSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading frame (Client close/going away)")
			}
			return
		}

		c.handleInbound(frame)
	}
}

// cleanupOnDisconnect runs when the read side is finished.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Debug().Msg("Client connection cleanup starting.")

	c.coordinator.Disconnect(c.id)
	c.Close()

	select {
	case <-c.writerDone:
	case <-time.After(writeWait):
		c.logger.Warn().Msg("Write pump did not stop in time.")
		if err := c.conn.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Client connection close error")
		}
	}
}

func (c *Client) handleInbound(frame []byte) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid JSON")
		c.SendError(errs.NewError(errs.ErrInvalidJSONFormat), "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch in.Type {
	case InboundJoinRoom:
		var p JoinRoomPayload
		if err = decodePayload(in.Payload, &p); err == nil {
			err = c.coordinator.Join(ctx, c.id, p.Code, p.DisplayName)
		}

	case InboundLeaveRoom:
		err = c.coordinator.Leave(ctx, c.id)

	case InboundSendMessage:
		var p SendMessagePayload
		if err = decodePayload(in.Payload, &p); err == nil {
			_, err = c.coordinator.Send(ctx, c.id, p.Content)
		}

	case InboundTyping:
		var p TypingInput
		if err = decodePayload(in.Payload, &p); err == nil {
			err = c.coordinator.Typing(ctx, c.id, p.IsTyping)
		}

	default:
		c.logger.Warn().Str("frame_type", string(in.Type)).Msg("Client sent unsupported frame type")
		err = errs.NewError(errs.ErrUnsupportedEvent)
	}

	if err != nil {
		c.SendError(err, in.Type)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errs.NewError(errs.ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.ErrInvalidParams, err)
	}
	return nil
}

// SendError queues an error event describing err. request names the inbound frame that failed.
func (c *Client) SendError(err error, request InboundType) {
	customErr := errs.From(err)

	evt, buildErr := fanout.NewEvent(fanout.TypeError, "", ErrorPayload{
		Code:    customErr.Code,
		Message: customErr.Message,
		Request: request,
	})
	if buildErr != nil {
		c.logger.Error().Err(buildErr).Msg("Failed to build error event")
		return
	}
	frame, buildErr := evt.Frame()
	if buildErr != nil {
		c.logger.Error().Err(buildErr).Msg("Failed to encode error event")
		return
	}

	if err := c.Send(frame); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to queue error event")
	}
}

// WritePump writes queued frames and heartbeats until the client is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
		close(c.writerDone)
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				c.shutdown(nil)
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				c.shutdown(nil)
				return
			}

		case <-c.done:
			c.drain()
			c.writeCloseMessage()
			return
		}
	}
}

// drain writes frames queued before the client was closed.
func (c *Client) drain() {
	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing frame")
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() {
	if c.closeFrame == nil {
		return
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing close message")
	}
}

// writePingMessage sends a periodic WebSocket Ping message to maintain the connection heartbeat.
// Returns false if the WritePump loop should terminate due to write failure.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}
