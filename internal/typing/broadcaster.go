// Package typing хранит состояние «печатает» для пар (чат, пользователь) на этом инстансе.
// Состояние не сохраняется и живёт, пока у пользователя есть соединение.
package typing

import (
	"sync"
	"time"
)

// DefaultTimeout - через сколько без повторного сигнала пользователь считается переставшим печатать.
const DefaultTimeout = 6 * time.Second

// Notifier получает переходы состояния. Переходы одного чата приходят по одному и в порядке
// возникновения; разные чаты уведомляются независимо.
type Notifier interface {
	TypingChanged(chatID, userID string, typing bool)
}

type key struct {
	chatID string
	userID string
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

type Broadcaster struct {
	notifier Notifier
	timeout  time.Duration

	mu     sync.Mutex
	active map[key]*entry
	byUser map[string]map[string]struct{}
	gen    uint64

	// outbox - очередь переходов каждого чата, её разбирает одна горутина на чат.
	outbox  map[string][]change
	pending int
	idle    *sync.Cond
}

type change struct {
	userID string
	typing bool
}

func New(n Notifier, timeout time.Duration) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b := &Broadcaster{
		notifier: n,
		timeout:  timeout,
		active:   make(map[key]*entry),
		byUser:   make(map[string]map[string]struct{}),
		outbox:   make(map[string][]change),
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Start переводит Idle -> Typing. Повторный Start только продлевает таймер.
func (b *Broadcaster) Start(chatID, userID string) {
	k := key{chatID, userID}
	b.mu.Lock()
	b.gen++
	gen := b.gen
	if e, ok := b.active[k]; ok {
		e.timer.Stop()
		e.gen = gen
		e.timer = time.AfterFunc(b.timeout, func() { b.expire(k, gen) })
		b.mu.Unlock()
		return
	}
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(b.timeout, func() { b.expire(k, gen) })
	b.active[k] = e
	chats, ok := b.byUser[userID]
	if !ok {
		chats = make(map[string]struct{})
		b.byUser[userID] = chats
	}
	chats[chatID] = struct{}{}
	b.emitLocked(k, true)
}

// Stop переводит Typing -> Idle по явному сигналу.
func (b *Broadcaster) Stop(chatID, userID string) {
	b.stop(key{chatID, userID})
}

// MessageSent - пользователь отправил сообщение в чат: печать закончена.
func (b *Broadcaster) MessageSent(chatID, userID string) {
	b.stop(key{chatID, userID})
}

// Disconnect сбрасывает все состояния пользователя (последнее соединение закрыто).
func (b *Broadcaster) Disconnect(userID string) {
	b.mu.Lock()
	chats := b.byUser[userID]
	keys := make([]key, 0, len(chats))
	for chatID := range chats {
		keys = append(keys, key{chatID, userID})
	}
	b.mu.Unlock()
	for _, k := range keys {
		b.stop(k)
	}
}

// IsTyping сообщает текущее состояние пары.
func (b *Broadcaster) IsTyping(chatID, userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[key{chatID, userID}]
	return ok
}

func (b *Broadcaster) stop(k key) {
	b.mu.Lock()
	e, ok := b.active[k]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.timer.Stop()
	b.removeLocked(k)
	b.emitLocked(k, false)
}

func (b *Broadcaster) expire(k key, gen uint64) {
	b.mu.Lock()
	e, ok := b.active[k]
	if !ok || e.gen != gen {
		// Состояние уже сброшено или продлено новым Start.
		b.mu.Unlock()
		return
	}
	b.removeLocked(k)
	b.emitLocked(k, false)
}

func (b *Broadcaster) removeLocked(k key) {
	delete(b.active, k)
	if chats, ok := b.byUser[k.userID]; ok {
		delete(chats, k.chatID)
		if len(chats) == 0 {
			delete(b.byUser, k.userID)
		}
	}
}

// emitLocked ставит переход в очередь чата и отпускает mu. Уведомление выполняется
// вне mu, поэтому медленный получатель задерживает только свой чат.
func (b *Broadcaster) emitLocked(k key, typing bool) {
	defer b.mu.Unlock()
	if b.notifier == nil {
		return
	}
	q, running := b.outbox[k.chatID]
	b.outbox[k.chatID] = append(q, change{userID: k.userID, typing: typing})
	b.pending++
	if !running {
		go b.drain(k.chatID)
	}
}

func (b *Broadcaster) drain(chatID string) {
	for {
		b.mu.Lock()
		q := b.outbox[chatID]
		if len(q) == 0 {
			delete(b.outbox, chatID)
			b.mu.Unlock()
			return
		}
		c := q[0]
		b.outbox[chatID] = q[1:]
		b.mu.Unlock()

		b.notifier.TypingChanged(chatID, c.userID, c.typing)

		b.mu.Lock()
		b.pending--
		if b.pending == 0 {
			b.idle.Broadcast()
		}
		b.mu.Unlock()
	}
}

// Flush ждёт, пока все поставленные в очередь переходы будут доставлены получателю.
func (b *Broadcaster) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pending > 0 {
		b.idle.Wait()
	}
}
