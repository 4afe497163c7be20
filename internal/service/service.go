// Package service - ядро доставки и членства: участники, чаты, лента сообщений,
// отметки прочтения и индикатор набора. Каждая операция - транзакция в хранилище,
// после коммита факт уходит в очередь рассылки своего чата.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
	"github.com/chatengine/internal/typing"
)

// MembershipStore - участники чатов и их роли.
type MembershipStore interface {
	IsMember(ctx context.Context, userID, chatID string) (bool, error)
	GetRole(ctx context.Context, userID, chatID string) (model.Role, error)
	AddMember(ctx context.Context, actorID, chatID, userID string, role model.Role) error
	RemoveMember(ctx context.Context, actorID, chatID, userID string) error
	Leave(ctx context.Context, userID, chatID string) error
	SetRole(ctx context.Context, actorID, chatID, userID string, role model.Role) error
}

// ChatDirectory - создание и чтение чатов.
type ChatDirectory interface {
	CreateDirect(ctx context.Context, userA, userB string) (model.Chat, error)
	CreateSaved(ctx context.Context, userID string) (model.Chat, error)
	CreateGroup(ctx context.Context, creatorID, name string, memberIDs []string) (model.Chat, []Warning, error)
	CreateChannel(ctx context.Context, creatorID, name, description string, memberIDs []string) (model.Chat, []Warning, error)
	GetChat(ctx context.Context, userID, chatID string) (model.ChatSummary, error)
	ListChats(ctx context.Context, userID string) ([]model.ChatSummary, error)
	UpdatePermissions(ctx context.Context, actorID, chatID string, p model.GroupPermissions) (model.Chat, error)
}

// Ledger - упорядоченная лента сообщений чата.
type Ledger interface {
	Append(ctx context.Context, chatID, senderID string, content model.Content) (model.Message, error)
	Forward(ctx context.Context, sourceIDs []string, targetChatID, senderID string) ([]model.Message, error)
	SoftDelete(ctx context.Context, messageID, requesterID string) error
	Pin(ctx context.Context, messageID, requesterID string) error
	Unpin(ctx context.Context, messageID, requesterID string) error
	ListMessages(ctx context.Context, userID, chatID string, q repository.MessageQuery) ([]model.Message, error)
	ListPinned(ctx context.Context, userID, chatID string) ([]model.Message, error)
}

// UnreadTracker - отметки прочтения и счётчики непрочитанного.
type UnreadTracker interface {
	MarkSeen(ctx context.Context, userID, chatID, messageID string) (bool, error)
	GetUnreadCount(ctx context.Context, userID, chatID string) (int, error)
	UnreadCounts(ctx context.Context, chatID string, userIDs []string) (map[string]int, error)
}

// Presence - сигналы набора текста. Ошибок не возвращает: у не-участников просто ничего не происходит.
type Presence interface {
	StartTyping(ctx context.Context, userID, chatID string)
	StopTyping(ctx context.Context, userID, chatID string)
}

// Dispatcher принимает закоммиченные факты на доставку.
type Dispatcher interface {
	Enqueue(f fanout.Fact, audience []string) bool
}

// Warning - пропущенный при создании чата участник.
type Warning struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type Options struct {
	TypingTimeout time.Duration
	// MaxRetries - сколько раз повторять транзакцию после временного сбоя хранилища.
	MaxRetries uint64
	// RetryInitialInterval - первая пауза перед повтором; дальше растёт экспоненциально.
	RetryInitialInterval time.Duration
	// Now - часы хранилища; createdAt назначается по ним при коммите.
	Now func() time.Time
}

const (
	defaultMaxRetries    = 3
	defaultRetryInterval = 50 * time.Millisecond
	defaultPageSize      = 50
	maxPageSize          = 200
	lockShards           = 256
	// notifyTimeout ограничивает чтения, которые делаются вне запроса (таймер набора).
	notifyTimeout = 5 * time.Second
)

type ChatService struct {
	store      repository.Store
	dispatcher Dispatcher
	typing     *typing.Broadcaster
	locks      *chatLocks
	opts       Options
}

var (
	_ MembershipStore = (*ChatService)(nil)
	_ ChatDirectory   = (*ChatService)(nil)
	_ Ledger          = (*ChatService)(nil)
	_ UnreadTracker   = (*ChatService)(nil)
	_ Presence        = (*ChatService)(nil)
)

func NewChatService(store repository.Store, dispatcher Dispatcher, opts Options) *ChatService {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = defaultRetryInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &ChatService{
		store:      store,
		dispatcher: dispatcher,
		locks:      &chatLocks{},
		opts:       opts,
	}
	s.typing = typing.New(s, opts.TypingTimeout)
	return s
}

// Typing отдаёт автомат набора (нужен реестру соединений для сброса при отключении).
func (s *ChatService) Typing() *typing.Broadcaster { return s.typing }

// inTx выполняет fn в транзакции, повторяя её при временных сбоях хранилища.
// fn должна быть повторяемой: все результаты присваиваются заново на каждой попытке.
func (s *ChatService) inTx(ctx context.Context, op string, fn func(tx repository.Tx) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.RetryInitialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.opts.MaxRetries), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.store.InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrTransientStore) {
			logger.Errorf("%s: transient store failure, attempt %d: %v", op, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// enqueue отдаёт факт диспетчеру. Вызывается под блокировкой чата, поэтому
// порядок в очереди совпадает с порядком коммитов.
func (s *ChatService) enqueue(f fanout.Fact, audience []string) {
	if s.dispatcher == nil || len(audience) == 0 {
		return
	}
	s.dispatcher.Enqueue(f, audience)
}

func (s *ChatService) newID() string { return uuid.NewString() }

func (s *ChatService) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Microsecond)
}

// chatLocks - шардированные мьютексы по id чата: коммиты одного чата идут по одному.
type chatLocks struct {
	shards [lockShards]sync.Mutex
}

func (l *chatLocks) lock(key string) func() {
	m := &l.shards[xxhash.Sum64String(key)%lockShards]
	m.Lock()
	return m.Unlock
}

// --- helpers ---

func requireMember(ctx context.Context, tx repository.Tx, chatID, userID string) (model.ChatMember, error) {
	m, err := tx.GetMember(ctx, chatID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return m, fmt.Errorf("user %s in chat %s: %w", userID, chatID, model.ErrNotAMember)
	}
	return m, err
}

func getChat(ctx context.Context, tx repository.Tx, chatID string, lock bool) (model.Chat, error) {
	var (
		c   model.Chat
		err error
	)
	if lock {
		c, err = tx.LockChat(ctx, chatID)
	} else {
		c, err = tx.GetChat(ctx, chatID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return c, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	return c, err
}

func memberIDs(ms []model.ChatMember) []string {
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.UserID)
	}
	return ids
}

func without(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
