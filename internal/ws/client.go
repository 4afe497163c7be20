package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16384
	sendBufSize    = 256
	// maxFramesPerSecond - лимит входящих кадров одной сессии.
	maxFramesPerSecond = 20
)

// bufPool - буферы для JSON в writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Conn - то, что клиенту нужно от соединения (в тестах подменяется).
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Client - одна сессия пользователя.
// Жизненный цикл: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	conn   Conn
	send   chan fanout.Event
	userID string

	// done закрывается в Close; sendToClient по нему не пишет в закрытую сессию.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan fanout.Event, sendBufSize),
		userID: userID,
		done:   make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

// Start запускает обе помпы; cancel сохраняется для Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *Client) Wait() {
	c.wg.Wait()
}

// Close можно вызывать многократно из любых горутин.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Разблокирует ReadMessage / WriteMessage в помпах.
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var budget frameBudget
	for ctx.Err() == nil {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}
		if !budget.take(time.Now()) {
			c.hub.sendError(c, "", "rate_limited", "too many frames")
			continue
		}
		c.handleFrame(ctx, raw)
	}
}

// handleFrame разбирает один кадр клиента и передаёт команду хабу.
func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var msg IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Debugf("ws malformed frame user=%s: %v", c.userID, err)
		c.hub.sendError(c, "", "bad_request", "malformed message")
		return
	}
	c.hub.HandleMessage(ctx, c, msg)
}

// frameBudget ограничивает число входящих кадров в секунду на сессию.
type frameBudget struct {
	second time.Time
	used   int
}

func (b *frameBudget) take(now time.Time) bool {
	sec := now.Truncate(time.Second)
	if !sec.Equal(b.second) {
		b.second, b.used = sec, 0
	}
	if b.used >= maxFramesPerSecond {
		return false
	}
	b.used++
	return true
}

// encodeEvent сериализует событие в кадр без завершающего перевода строки.
func encodeEvent(buf *bytes.Buffer, ev fanout.Event) ([]byte, error) {
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (c *Client) writeEvent(ev fanout.Event) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	data, err := encodeEvent(buf, ev)
	if err != nil {
		// Событие без сериализации пропускаем, соединение живо.
		logger.Errorf("ws marshal %s user=%s: %v", ev.Type, c.userID, err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if c.writeEvent(ev) != nil {
				return
			}
			// Накопившиеся события отправляем под тем же дедлайном.
			for n := len(c.send); n > 0; n-- {
				if c.writeEvent(<-c.send) != nil {
					return
				}
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
