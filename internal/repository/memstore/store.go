// Package memstore - in-memory реализация repository.Store для режима -memory и тестов.
// Транзакции сериализуются общим мьютексом; откат выполняется по журналу отмены.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
)

type Store struct {
	mu         sync.Mutex
	users      map[string]model.User
	chats      map[string]model.Chat
	directKeys map[string]string
	members    map[string]map[string]model.ChatMember
	messages   map[string]model.Message
	byChat     map[string][]string
	failures   map[string][]error
}

func New() *Store {
	return &Store{
		users:      make(map[string]model.User),
		chats:      make(map[string]model.Chat),
		directKeys: make(map[string]string),
		members:    make(map[string]map[string]model.ChatMember),
		messages:   make(map[string]model.Message),
		byChat:     make(map[string][]string),
		failures:   make(map[string][]error),
	}
}

func (s *Store) Close() {}

// FailNext заставляет следующий вызов операции op (имя метода Tx) вернуть err.
// Несколько вызовов ставятся в очередь.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) fail(op string) error {
	q := t.s.failures[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	if len(q) == 1 {
		delete(t.s.failures, op)
	} else {
		t.s.failures[op] = q[1:]
	}
	return err
}

// --- users ---

func (t *memTx) GetUser(_ context.Context, id string) (model.User, error) {
	if err := t.fail("GetUser"); err != nil {
		return model.User{}, err
	}
	u, ok := t.s.users[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (t *memTx) GetUsers(_ context.Context, ids []string) (map[string]model.User, error) {
	if err := t.fail("GetUsers"); err != nil {
		return nil, err
	}
	out := make(map[string]model.User, len(ids))
	for _, id := range ids {
		if u, ok := t.s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (t *memTx) UpsertUser(_ context.Context, u model.User) error {
	if err := t.fail("UpsertUser"); err != nil {
		return err
	}
	for id, other := range t.s.users {
		if id != u.ID && other.Username == u.Username {
			return repository.ErrConflict
		}
	}
	prev, existed := t.s.users[u.ID]
	if existed {
		u.CreatedAt = prev.CreatedAt
	}
	t.s.users[u.ID] = u
	t.undo = append(t.undo, func() {
		if existed {
			t.s.users[u.ID] = prev
		} else {
			delete(t.s.users, u.ID)
		}
	})
	return nil
}

// --- chats ---

func (t *memTx) CreateChat(_ context.Context, c model.Chat) error {
	if err := t.fail("CreateChat"); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if _, ok := t.s.chats[c.ID]; ok {
		return repository.ErrConflict
	}
	if c.Direct != nil {
		if _, ok := t.s.directKeys[c.Direct.PairKey]; ok {
			return repository.ErrConflict
		}
		t.s.directKeys[c.Direct.PairKey] = c.ID
	}
	t.s.chats[c.ID] = cloneChat(c)
	t.undo = append(t.undo, func() {
		delete(t.s.chats, c.ID)
		if c.Direct != nil {
			delete(t.s.directKeys, c.Direct.PairKey)
		}
	})
	return nil
}

func (t *memTx) GetChat(_ context.Context, id string) (model.Chat, error) {
	if err := t.fail("GetChat"); err != nil {
		return model.Chat{}, err
	}
	c, ok := t.s.chats[id]
	if !ok {
		return model.Chat{}, repository.ErrNotFound
	}
	return cloneChat(c), nil
}

func (t *memTx) LockChat(ctx context.Context, id string) (model.Chat, error) {
	if err := t.fail("LockChat"); err != nil {
		return model.Chat{}, err
	}
	return t.GetChat(ctx, id)
}

func (t *memTx) FindDirectChat(ctx context.Context, pairKey string) (model.Chat, error) {
	if err := t.fail("FindDirectChat"); err != nil {
		return model.Chat{}, err
	}
	id, ok := t.s.directKeys[pairKey]
	if !ok {
		return model.Chat{}, repository.ErrNotFound
	}
	return t.GetChat(ctx, id)
}

func (t *memTx) ListUserChats(_ context.Context, userID string) ([]model.Chat, error) {
	if err := t.fail("ListUserChats"); err != nil {
		return nil, err
	}
	var out []model.Chat
	for chatID, ms := range t.s.members {
		if _, ok := ms[userID]; ok {
			out = append(out, cloneChat(t.s.chats[chatID]))
		}
	}
	slices.SortFunc(out, func(a, b model.Chat) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out, nil
}

func (t *memTx) UpdateGroupPermissions(_ context.Context, chatID string, p model.GroupPermissions) error {
	if err := t.fail("UpdateGroupPermissions"); err != nil {
		return err
	}
	c, ok := t.s.chats[chatID]
	if !ok || c.Group == nil {
		return repository.ErrNotFound
	}
	prev := cloneChat(c)
	c = cloneChat(c)
	c.Group.Permissions = p
	t.s.chats[chatID] = c
	t.undo = append(t.undo, func() { t.s.chats[chatID] = prev })
	return nil
}

func cloneChat(c model.Chat) model.Chat {
	if c.Direct != nil {
		d := *c.Direct
		c.Direct = &d
	}
	if c.Group != nil {
		g := *c.Group
		c.Group = &g
	}
	if c.Channel != nil {
		ch := *c.Channel
		c.Channel = &ch
	}
	return c
}

// --- members ---

func (t *memTx) InsertMember(_ context.Context, m model.ChatMember) error {
	if err := t.fail("InsertMember"); err != nil {
		return err
	}
	if _, ok := t.s.chats[m.ChatID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := t.s.users[m.UserID]; !ok {
		return repository.ErrNotFound
	}
	ms, ok := t.s.members[m.ChatID]
	if !ok {
		ms = make(map[string]model.ChatMember)
		t.s.members[m.ChatID] = ms
	}
	if _, dup := ms[m.UserID]; dup {
		return model.ErrDuplicateMembership
	}
	if m.LastSeenAt.IsZero() {
		m.LastSeenAt = model.NeverSeen
	}
	ms[m.UserID] = m
	t.undo = append(t.undo, func() { delete(t.s.members[m.ChatID], m.UserID) })
	return nil
}

func (t *memTx) GetMember(_ context.Context, chatID, userID string) (model.ChatMember, error) {
	if err := t.fail("GetMember"); err != nil {
		return model.ChatMember{}, err
	}
	m, ok := t.s.members[chatID][userID]
	if !ok {
		return model.ChatMember{}, repository.ErrNotFound
	}
	return m, nil
}

func (t *memTx) ListMembers(_ context.Context, chatID string) ([]model.ChatMember, error) {
	if err := t.fail("ListMembers"); err != nil {
		return nil, err
	}
	out := make([]model.ChatMember, 0, len(t.s.members[chatID]))
	for _, m := range t.s.members[chatID] {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b model.ChatMember) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.UserID < b.UserID {
			return -1
		}
		return 1
	})
	return out, nil
}

func (t *memTx) DeleteMember(_ context.Context, chatID, userID string) error {
	if err := t.fail("DeleteMember"); err != nil {
		return err
	}
	m, ok := t.s.members[chatID][userID]
	if !ok {
		return repository.ErrNotFound
	}
	delete(t.s.members[chatID], userID)
	t.undo = append(t.undo, func() { t.s.members[chatID][userID] = m })
	return nil
}

func (t *memTx) SetRole(_ context.Context, chatID, userID string, role model.Role) error {
	if err := t.fail("SetRole"); err != nil {
		return err
	}
	m, ok := t.s.members[chatID][userID]
	if !ok {
		return repository.ErrNotFound
	}
	prev := m
	m.Role = role
	t.s.members[chatID][userID] = m
	t.undo = append(t.undo, func() { t.s.members[chatID][userID] = prev })
	return nil
}

func (t *memTx) CountOwners(_ context.Context, chatID string) (int, error) {
	if err := t.fail("CountOwners"); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range t.s.members[chatID] {
		if m.Role == model.RoleOwner {
			n++
		}
	}
	return n, nil
}

func (t *memTx) AdvanceLastSeen(_ context.Context, chatID, userID string, at time.Time) (bool, error) {
	if err := t.fail("AdvanceLastSeen"); err != nil {
		return false, err
	}
	m, ok := t.s.members[chatID][userID]
	if !ok || !m.LastSeenAt.Before(at) {
		return false, nil
	}
	prev := m
	m.LastSeenAt = at
	t.s.members[chatID][userID] = m
	t.undo = append(t.undo, func() { t.s.members[chatID][userID] = prev })
	return true, nil
}

// --- messages ---

func (t *memTx) InsertMessage(_ context.Context, m model.Message) error {
	if err := t.fail("InsertMessage"); err != nil {
		return err
	}
	if _, ok := t.s.messages[m.ID()]; ok {
		return repository.ErrConflict
	}
	if _, ok := t.s.chats[m.ChatID()]; !ok {
		return repository.ErrNotFound
	}
	t.s.messages[m.ID()] = m
	prev := t.s.byChat[m.ChatID()]
	ids := make([]string, len(prev), len(prev)+1)
	copy(ids, prev)
	t.s.byChat[m.ChatID()] = append(ids, m.ID())
	t.undo = append(t.undo, func() {
		delete(t.s.messages, m.ID())
		t.s.byChat[m.ChatID()] = prev
	})
	return nil
}

func (t *memTx) GetMessage(_ context.Context, id string) (model.Message, error) {
	if err := t.fail("GetMessage"); err != nil {
		return model.Message{}, err
	}
	m, ok := t.s.messages[id]
	if !ok {
		return model.Message{}, repository.ErrNotFound
	}
	return m, nil
}

// chatMessages возвращает сообщения чата по возрастанию (created_at, id).
func (t *memTx) chatMessages(chatID string) []model.Message {
	ids := t.s.byChat[chatID]
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.s.messages[id])
	}
	slices.SortFunc(out, func(a, b model.Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return out
}

func (t *memTx) LastMessage(_ context.Context, chatID string) (model.Message, error) {
	if err := t.fail("LastMessage"); err != nil {
		return model.Message{}, err
	}
	msgs := t.chatMessages(chatID)
	if len(msgs) == 0 {
		return model.Message{}, repository.ErrNotFound
	}
	return msgs[len(msgs)-1], nil
}

func (t *memTx) UpdateMessageState(_ context.Context, m model.Message) error {
	if err := t.fail("UpdateMessageState"); err != nil {
		return err
	}
	prev, ok := t.s.messages[m.ID()]
	if !ok {
		return repository.ErrNotFound
	}
	d := prev.Data()
	nd := m.Data()
	d.Pinned = nd.Pinned
	d.DeletedAt = nd.DeletedAt
	t.s.messages[m.ID()] = model.NewMessage(d)
	t.undo = append(t.undo, func() { t.s.messages[m.ID()] = prev })
	return nil
}

func (t *memTx) ListMessages(_ context.Context, chatID string, q repository.MessageQuery) ([]model.Message, error) {
	if err := t.fail("ListMessages"); err != nil {
		return nil, err
	}
	var page []model.Message
	for _, m := range t.chatMessages(chatID) {
		c := repository.CursorOf(m)
		if !q.Before.IsZero() && !cursorLess(c, *q.Before) {
			continue
		}
		if !q.After.IsZero() && !cursorLess(*q.After, c) {
			continue
		}
		page = append(page, m)
	}
	if q.Limit > 0 && len(page) > q.Limit {
		if q.Before.IsZero() && !q.After.IsZero() {
			page = page[:q.Limit]
		} else {
			page = page[len(page)-q.Limit:]
		}
	}
	return page, nil
}

func cursorLess(a, b repository.Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (t *memTx) ListPinned(_ context.Context, chatID string) ([]model.Message, error) {
	if err := t.fail("ListPinned"); err != nil {
		return nil, err
	}
	var out []model.Message
	for _, m := range t.chatMessages(chatID) {
		if m.Pinned() && !m.IsDeleted() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memTx) unread(chatID, userID string) (int, bool) {
	member, ok := t.s.members[chatID][userID]
	if !ok {
		return 0, false
	}
	n := 0
	for _, id := range t.s.byChat[chatID] {
		m := t.s.messages[id]
		if m.SenderID() != userID && !m.IsDeleted() && m.CreatedAt().After(member.LastSeenAt) {
			n++
		}
	}
	return n, true
}

func (t *memTx) CountUnread(_ context.Context, chatID, userID string) (int, error) {
	if err := t.fail("CountUnread"); err != nil {
		return 0, err
	}
	n, _ := t.unread(chatID, userID)
	return n, nil
}

func (t *memTx) CountUnreadBatch(_ context.Context, chatID string, userIDs []string) (map[string]int, error) {
	if err := t.fail("CountUnreadBatch"); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(userIDs))
	for _, uid := range userIDs {
		if n, ok := t.unread(chatID, uid); ok {
			out[uid] = n
		}
	}
	return out, nil
}

var _ repository.Store = (*Store)(nil)
