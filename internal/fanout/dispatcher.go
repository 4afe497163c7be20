// Package fanout доставляет закоммиченные факты подключённым участникам чата.
// Доставка best-effort: у кого нет активных соединений, событие не получает и
// сверяет состояние запросом непрочитанных при следующем подключении.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/media"
	"github.com/chatengine/internal/model"
)

// Transport - реестр соединений. Не ставит события в очередь: либо отдаёт сессиям сейчас, либо нет.
type Transport interface {
	// SendToUser отправляет событие во все сессии пользователя и возвращает их число.
	SendToUser(userID string, ev Event) (int, error)
	Online(userID string) bool
}

// UnreadCounter отдаёт текущие счётчики непрочитанного для получателей NewMessage.
type UnreadCounter interface {
	UnreadCounts(ctx context.Context, chatID string, userIDs []string) (map[string]int, error)
}

// OfflineNotifier получает NewMessage для получателей без соединений (например, web push).
// NotifyOffline не должен блокировать: доставка идёт в фоне.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, userID string, m model.Message)
}

// Report - итог доставки одного факта.
type Report struct {
	Delivered []string
	// Dropped - получатели без активных соединений.
	Dropped []string
	Failed  map[string]error
}

type Options struct {
	// QueueSize - ёмкость очереди фактов одного чата.
	QueueSize int
	// Concurrency - сколько получателей одного факта обслуживаются параллельно.
	Concurrency int
	// IdleTimeout - через сколько простоя воркер чата завершается.
	IdleTimeout time.Duration
	// PushTimeout ограничивает доставку одного факта.
	PushTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 32
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = 10 * time.Second
	}
	return o
}

type job struct {
	fact     Fact
	audience []string
}

type chatQueue struct {
	ch chan job
}

type Dispatcher struct {
	transport Transport
	unread    UnreadCounter
	media     media.Resolver
	offline   OfflineNotifier
	opts      Options

	mu     sync.Mutex
	queues map[string]*chatQueue
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(transport Transport, unread UnreadCounter, resolver media.Resolver, opts Options) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		unread:    unread,
		media:     resolver,
		opts:      opts.withDefaults(),
		queues:    make(map[string]*chatQueue),
	}
}

// SetUnreadCounter подключает источник счётчиков (сервис создаётся после диспетчера).
func (d *Dispatcher) SetUnreadCounter(u UnreadCounter) {
	d.mu.Lock()
	d.unread = u
	d.mu.Unlock()
}

// SetOfflineNotifier подключает уведомления для получателей без соединений. nil - выключено.
func (d *Dispatcher) SetOfflineNotifier(n OfflineNotifier) {
	d.mu.Lock()
	d.offline = n
	d.mu.Unlock()
}

// Enqueue ставит факт в очередь его чата. Факты одного чата доставляются строго в порядке
// постановки. false - очередь переполнена или диспетчер остановлен; факт отброшен.
func (d *Dispatcher) Enqueue(f Fact, audience []string) bool {
	if len(audience) == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		logger.Errorf("fanout: dispatcher closed, dropping %s chat=%s", f.Type, f.ChatID)
		return false
	}
	q, ok := d.queues[f.ChatID]
	if !ok {
		q = &chatQueue{ch: make(chan job, d.opts.QueueSize)}
		d.queues[f.ChatID] = q
		d.wg.Add(1)
		go d.drain(f.ChatID, q)
	}
	select {
	case q.ch <- job{fact: f, audience: audience}:
		return true
	default:
		logger.Errorf("fanout: queue full, dropping %s chat=%s recipients=%d", f.Type, f.ChatID, len(audience))
		return false
	}
}

// drain - единственный читатель очереди чата.
func (d *Dispatcher) drain(chatID string, q *chatQueue) {
	defer d.wg.Done()
	idle := time.NewTimer(d.opts.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case j, ok := <-q.ch:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), d.opts.PushTimeout)
			d.Dispatch(ctx, j.fact, j.audience)
			cancel()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.opts.IdleTimeout)
		case <-idle.C:
			d.mu.Lock()
			if len(q.ch) == 0 && !d.closed {
				delete(d.queues, chatID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.opts.IdleTimeout)
		}
	}
}

// Close прекращает приём фактов и ждёт, пока воркеры доставят уже поставленные (или истечёт ctx).
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q.ch)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch синхронно доставляет факт аудитории. Сбой доставки одному получателю
// не влияет на остальных и не возвращается вызывающему, только попадает в отчёт и лог.
func (d *Dispatcher) Dispatch(ctx context.Context, f Fact, audience []string) Report {
	defer logger.DeferLogDuration("fanout.Dispatch "+string(f.Type), time.Now())()
	rep := Report{Failed: make(map[string]error)}
	if len(audience) == 0 {
		return rep
	}

	d.mu.Lock()
	unread, offline := d.unread, d.offline
	d.mu.Unlock()

	online := make([]string, 0, len(audience))
	for _, uid := range audience {
		if d.transport.Online(uid) {
			online = append(online, uid)
		} else {
			rep.Dropped = append(rep.Dropped, uid)
		}
	}

	var counts map[string]int
	var view model.MessageView
	if f.Type == EventNewMessage && f.Message != nil {
		view = f.Message.View(d.mediaURL(f.Message.Content().MediaRef))
		if len(online) > 0 && unread != nil {
			var err error
			counts, err = unread.UnreadCounts(ctx, f.ChatID, online)
			if err != nil {
				logger.Errorf("fanout: unread counts chat=%s: %v", f.ChatID, err)
			}
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.opts.Concurrency)
	for _, uid := range online {
		uid := uid
		ev := Event{Type: f.Type, Payload: f.Payload}
		if f.Type == EventNewMessage {
			p := NewMessagePayload{Message: view, ChatID: f.ChatID}
			if n, ok := counts[uid]; ok {
				p.RecipientUnreadCount = &n
			}
			ev.Payload = p
		}
		g.Go(func() error {
			n, err := d.send(uid, ev)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				rep.Failed[uid] = err
				logger.Errorf("fanout: %s to user=%s chat=%s: %v", f.Type, uid, f.ChatID, err)
			case n == 0:
				rep.Dropped = append(rep.Dropped, uid)
			default:
				rep.Delivered = append(rep.Delivered, uid)
			}
			return nil
		})
	}
	_ = g.Wait()

	if f.Type == EventNewMessage && f.Message != nil && offline != nil {
		for _, uid := range rep.Dropped {
			offline.NotifyOffline(ctx, uid, *f.Message)
		}
	}
	return rep
}

// send изолирует панику транспорта в пределах одного получателя.
func (d *Dispatcher) send(userID string, ev Event) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", model.ErrPushDelivery, r)
		}
	}()
	n, err = d.transport.SendToUser(userID, ev)
	if err != nil {
		return n, fmt.Errorf("%w: %w", model.ErrPushDelivery, err)
	}
	return n, nil
}

func (d *Dispatcher) mediaURL(ref string) string {
	if ref == "" || d.media == nil {
		return ""
	}
	return d.media.URL(ref)
}
