package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/media"
	"github.com/chatengine/internal/model"
)

// Actions - операции движка, которые клиент вызывает по сокету.
type Actions interface {
	Append(ctx context.Context, chatID, senderID string, content model.Content) (model.Message, error)
	Forward(ctx context.Context, sourceIDs []string, targetChatID, senderID string) ([]model.Message, error)
	MarkSeen(ctx context.Context, userID, chatID, messageID string) (bool, error)
	StartTyping(ctx context.Context, userID, chatID string)
	StopTyping(ctx context.Context, userID, chatID string)
}

// PresenceFunc вызывается, когда у пользователя появилось первое соединение (online=true)
// или закрылось последнее (online=false). Вызовы идут вне цикла Run: переходы одного
// пользователя приходят по порядку, разных пользователей - независимо.
type PresenceFunc func(userID string, online bool)

var ErrSlowClient = errors.New("ws: send buffer full")

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// Hub - реестр соединений: userID -> множество сессий. Реализует fanout.Transport.
// Регистрация и снятие идут через один цикл Run; отправка читает шарды под RLock.
type Hub struct {
	shards   [shardCount]shard
	totalMu  sync.Mutex
	total    int
	maxConns int

	actions Actions
	media   media.Resolver

	presenceMu sync.Mutex
	presence   []PresenceFunc
	// presenceQ - неразобранные переходы пользователя; есть ключ - работает горутина разбора.
	presenceQ       map[string][]bool
	presencePending int
	presenceIdle    *sync.Cond

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

var _ fanout.Transport = (*Hub)(nil)

func NewHub(actions Actions, resolver media.Resolver, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	h := &Hub{
		maxConns:   maxConns,
		actions:    actions,
		media:      resolver,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
	for i := range h.shards {
		h.shards[i].clients = make(map[string]map[*Client]struct{})
	}
	h.presenceQ = make(map[string][]bool)
	h.presenceIdle = sync.NewCond(&h.presenceMu)
	return h
}

// SetActions задаёт исполнителя команд клиента, если он создаётся после хаба. Вызывать до Run.
func (h *Hub) SetActions(a Actions) {
	h.actions = a
}

// OnPresence подписывает f на переходы online/offline. Вызывать до Run.
func (h *Hub) OnPresence(f PresenceFunc) {
	h.presenceMu.Lock()
	h.presence = append(h.presence, f)
	h.presenceMu.Unlock()
}

func (h *Hub) shardFor(userID string) *shard {
	return &h.shards[xxhash.Sum64String(userID)%shardCount]
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Соединения собираем под локами, закрываем без них.
	var all []*Client
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		for _, clients := range s.clients {
			for c := range clients {
				all = append(all, c)
			}
		}
		s.clients = make(map[string]map[*Client]struct{})
		s.mu.Unlock()
	}
	h.totalMu.Lock()
	h.total = 0
	h.totalMu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
	h.waitPresence()
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		return
	default:
	}
	h.totalMu.Lock()
	if h.total >= h.maxConns {
		h.totalMu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.total++
	h.totalMu.Unlock()

	s := h.shardFor(c.userID)
	s.mu.Lock()
	clients, ok := s.clients[c.userID]
	if !ok {
		clients = make(map[*Client]struct{})
		s.clients[c.userID] = clients
	}
	clients[c] = struct{}{}
	first := len(clients) == 1
	s.mu.Unlock()

	if first {
		h.notifyPresence(c.userID, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	s := h.shardFor(c.userID)
	s.mu.Lock()
	clients, ok := s.clients[c.userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		s.mu.Unlock()
		return
	}
	delete(clients, c)
	last := len(clients) == 0
	if last {
		delete(s.clients, c.userID)
	}
	s.mu.Unlock()

	h.totalMu.Lock()
	h.total--
	h.totalMu.Unlock()

	c.Close()
	if last {
		h.notifyPresence(c.userID, false)
	}
}

// notifyPresence ставит переход в очередь пользователя и сразу возвращается.
func (h *Hub) notifyPresence(userID string, online bool) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	if len(h.presence) == 0 {
		return
	}
	q, running := h.presenceQ[userID]
	h.presenceQ[userID] = append(q, online)
	h.presencePending++
	if !running {
		go h.drainPresence(userID)
	}
}

func (h *Hub) drainPresence(userID string) {
	for {
		h.presenceMu.Lock()
		q := h.presenceQ[userID]
		if len(q) == 0 {
			delete(h.presenceQ, userID)
			h.presenceMu.Unlock()
			return
		}
		online := q[0]
		h.presenceQ[userID] = q[1:]
		fns := h.presence
		h.presenceMu.Unlock()

		for _, f := range fns {
			f(userID, online)
		}

		h.presenceMu.Lock()
		h.presencePending--
		if h.presencePending == 0 {
			h.presenceIdle.Broadcast()
		}
		h.presenceMu.Unlock()
	}
}

// waitPresence ждёт, пока все поставленные переходы присутствия будут обработаны.
func (h *Hub) waitPresence() {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	for h.presencePending > 0 {
		h.presenceIdle.Wait()
	}
}

// Online - есть ли у пользователя соединения на этом инстансе.
func (h *Hub) Online(userID string) bool {
	s := h.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[userID]) > 0
}

// Connections - число соединений на инстансе.
func (h *Hub) Connections() int {
	h.totalMu.Lock()
	defer h.totalMu.Unlock()
	return h.total
}

// SendToUser кладёт событие в буфер каждой сессии пользователя и возвращает число принявших.
// Ничего не ставит в очередь для отсутствующих: 0 значит «не доставлено».
func (h *Hub) SendToUser(userID string, ev fanout.Event) (int, error) {
	s := h.shardFor(userID)
	s.mu.RLock()
	clients := s.clients[userID]
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if h.sendToClient(c, ev) {
			n++
		}
	}
	if n == 0 && len(targets) > 0 {
		return 0, ErrSlowClient
	}
	return n, nil
}

// sendToClient не блокирует: при переполненном буфере медленный клиент отключается.
func (h *Hub) sendToClient(c *Client, ev fanout.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
		return false
	}
}

// HandleMessage выполняет команду клиента. Ошибки уходят только этому клиенту.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch msg.Type {
	case ActionSendMessage:
		h.handleSend(ctx, c, msg)
	case ActionForward:
		h.handleForward(ctx, c, msg)
	case ActionTyping:
		if msg.ChatID != "" {
			h.actions.StartTyping(ctx, c.userID, msg.ChatID)
		}
	case ActionStopTyping:
		if msg.ChatID != "" {
			h.actions.StopTyping(ctx, c.userID, msg.ChatID)
		}
	case ActionMarkSeen:
		if msg.ChatID == "" || msg.MessageID == "" {
			h.sendError(c, msg.RequestID, "bad_request", "chat_id and message_id required")
			return
		}
		if _, err := h.actions.MarkSeen(ctx, c.userID, msg.ChatID, msg.MessageID); err != nil {
			h.replyError(c, msg, err)
		}
	default:
		h.sendError(c, msg.RequestID, "bad_request", "unknown action type")
	}
}

func (h *Hub) handleSend(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if msg.ChatID == "" {
		h.sendError(c, msg.RequestID, "bad_request", "chat_id required")
		return
	}
	m, err := h.actions.Append(ctx, msg.ChatID, c.userID, msg.content())
	if err != nil {
		h.replyError(c, msg, err)
		return
	}
	h.ack(c, msg.RequestID, []model.Message{m})
}

func (h *Hub) handleForward(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleForward", time.Now())()
	if msg.ChatID == "" || len(msg.MessageIDs) == 0 {
		h.sendError(c, msg.RequestID, "bad_request", "chat_id and message_ids required")
		return
	}
	msgs, err := h.actions.Forward(ctx, msg.MessageIDs, msg.ChatID, c.userID)
	if err != nil {
		h.replyError(c, msg, err)
		return
	}
	h.ack(c, msg.RequestID, msgs)
}

func (h *Hub) ack(c *Client, requestID string, msgs []model.Message) {
	views := make([]model.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, m.View(h.mediaURL(m.Content().MediaRef)))
	}
	h.sendToClient(c, fanout.Event{Type: EventMessageSent, Payload: MessageSentPayload{RequestID: requestID, Messages: views}})
}

func (h *Hub) replyError(c *Client, msg IncomingMessage, err error) {
	code := model.ErrorCode(err)
	if code == "internal" || code == "unavailable" {
		logger.Errorf("ws %s user=%s chat=%s: %v", msg.Type, c.userID, msg.ChatID, err)
		h.sendError(c, msg.RequestID, code, "internal error")
		return
	}
	h.sendError(c, msg.RequestID, code, err.Error())
}

func (h *Hub) sendError(c *Client, requestID, code, text string) {
	h.sendToClient(c, fanout.Event{Type: fanout.EventError, Payload: ErrorPayload{RequestID: requestID, Code: code, Message: text}})
}

func (h *Hub) mediaURL(ref string) string {
	if ref == "" || h.media == nil {
		return ""
	}
	return h.media.URL(ref)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
