// Package relay связывает несколько инстансов сервера через Redis pub/sub:
// событие для пользователя, у которого есть соединения на другом инстансе,
// публикуется в общий канал, и каждый инстанс отдаёт его своему локальному хабу.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/logger"
)

const (
	defaultChannel = "chatengine:events"
	presencePrefix = "chatengine:presence:"
	// presenceTTL ограничивает жизнь записи инстанса, упавшего без Close.
	presenceTTL = 24 * time.Hour
	opTimeout   = 2 * time.Second
)

// envelope - сообщение в канале. Payload уже сериализован отправителем.
type envelope struct {
	Origin  string           `json:"origin"`
	UserID  string           `json:"user_id"`
	Type    fanout.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// Relay реализует fanout.Transport поверх локального хаба и Redis.
type Relay struct {
	rdb        *redis.Client
	local      fanout.Transport
	instanceID string
	channel    string

	mu     sync.Mutex
	online map[string]struct{}
}

var _ fanout.Transport = (*Relay)(nil)

// New создаёт relay. channel пустой - используется chatengine:events.
func New(rdb *redis.Client, local fanout.Transport, channel string) *Relay {
	if channel == "" {
		channel = defaultChannel
	}
	return &Relay{
		rdb:        rdb,
		local:      local,
		instanceID: uuid.NewString(),
		channel:    channel,
		online:     make(map[string]struct{}),
	}
}

func (r *Relay) InstanceID() string { return r.instanceID }

// SetPresence отмечает первое (online=true) или последнее (online=false) соединение
// пользователя на этом инстансе. Подписывается на хаб через OnPresence.
func (r *Relay) SetPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r.mu.Lock()
	if online {
		r.online[userID] = struct{}{}
	} else {
		delete(r.online, userID)
	}
	r.mu.Unlock()

	key := presencePrefix + userID
	var err error
	if online {
		pipe := r.rdb.TxPipeline()
		pipe.SAdd(ctx, key, r.instanceID)
		pipe.Expire(ctx, key, presenceTTL)
		_, err = pipe.Exec(ctx)
	} else {
		err = r.rdb.SRem(ctx, key, r.instanceID).Err()
	}
	if err != nil {
		logger.Errorf("relay: presence user=%s online=%v: %v", userID, online, err)
	}
}

// remoteOnline - есть ли у пользователя соединения на других инстансах.
func (r *Relay) remoteOnline(ctx context.Context, userID string) (bool, error) {
	ids, err := r.rdb.SMembers(ctx, presencePrefix+userID).Result()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id != r.instanceID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Relay) Online(userID string) bool {
	if r.local.Online(userID) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ok, err := r.remoteOnline(ctx, userID)
	if err != nil {
		logger.Errorf("relay: presence lookup user=%s: %v", userID, err)
		return false
	}
	return ok
}

// SendToUser отдаёт событие локальным сессиям и, если пользователь подключён к другим
// инстансам, публикует его в канал. Публикация считается одной доставкой.
func (r *Relay) SendToUser(userID string, ev fanout.Event) (int, error) {
	n, localErr := r.local.SendToUser(userID, ev)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	remote, err := r.remoteOnline(ctx, userID)
	if err != nil {
		logger.Errorf("relay: presence lookup user=%s: %v", userID, err)
		return n, localErr
	}
	if !remote {
		return n, localErr
	}
	if err := r.publish(ctx, userID, ev); err != nil {
		if n > 0 {
			logger.Errorf("relay: publish user=%s: %v", userID, err)
			return n, nil
		}
		return n, err
	}
	return n + 1, nil
}

func (r *Relay) publish(ctx context.Context, userID string, ev fanout.Event) error {
	data, err := encode(r.instanceID, userID, ev)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run слушает канал до отмены ctx. На выходе снимает присутствие этого инстанса.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Errorf("relay: unsubscribe: %v", err)
		}
		r.clearPresence()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	logger.Infof("relay: instance %s subscribed to %s", r.instanceID, r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver([]byte(msg.Payload))
		}
	}
}

// deliver отдаёт событие из канала локальному хабу; свои публикации пропускает.
func (r *Relay) deliver(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Errorf("relay: malformed envelope: %v", err)
		return
	}
	if env.Origin == r.instanceID || env.UserID == "" {
		return
	}
	if _, err := r.local.SendToUser(env.UserID, fanout.Event{Type: env.Type, Payload: env.Payload}); err != nil {
		logger.Errorf("relay: deliver %s user=%s: %v", env.Type, env.UserID, err)
	}
}

func (r *Relay) clearPresence() {
	r.mu.Lock()
	users := make([]string, 0, len(r.online))
	for u := range r.online {
		users = append(users, u)
	}
	r.online = make(map[string]struct{})
	r.mu.Unlock()
	if len(users) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pipe := r.rdb.Pipeline()
	for _, u := range users {
		pipe.SRem(ctx, presencePrefix+u, r.instanceID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Errorf("relay: clear presence: %v", err)
	}
}

func encode(origin, userID string, ev fanout.Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("relay encode %s: %w", ev.Type, err)
	}
	return json.Marshal(envelope{Origin: origin, UserID: userID, Type: ev.Type, Payload: payload})
}
