package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
)

const messageCols = `id, chat_id, sender_id, type, body, media_ref, forwarded_from, pinned, deleted_at, created_at`

func scanMessage(s interface{ Scan(dest ...any) error }) (model.Message, error) {
	var d model.MessageData
	if err := s.Scan(&d.ID, &d.ChatID, &d.SenderID, &d.Content.Type, &d.Content.Body, &d.Content.MediaRef,
		&d.ForwardedFrom, &d.Pinned, &d.DeletedAt, &d.CreatedAt); err != nil {
		return model.Message{}, err
	}
	return model.NewMessage(d), nil
}

func collectMessages(rows pgx.Rows, op string, capHint int) ([]model.Message, error) {
	defer rows.Close()
	out := make([]model.Message, 0, capHint)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(op+" scan", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op+" rows", err)
	}
	return out, nil
}

func (t *pgTx) InsertMessage(ctx context.Context, m model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	d := m.Data()
	_, err := t.tx.Exec(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.ChatID, d.SenderID, d.Content.Type, d.Content.Body, d.Content.MediaRef,
		d.ForwardedFrom, d.Pinned, d.DeletedAt, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return classify("msgRepo.Create", err)
	}
	return nil
}

func (t *pgTx) GetMessage(ctx context.Context, id string) (model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m, err := scanMessage(t.tx.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, classify("msgRepo.GetByID", err)
	}
	return m, nil
}

func (t *pgTx) LastMessage(ctx context.Context, chatID string) (model.Message, error) {
	defer logger.DeferLogDuration("msg.Last", time.Now())()
	m, err := scanMessage(t.tx.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE chat_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, chatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, classify("msgRepo.Last", err)
	}
	return m, nil
}

func (t *pgTx) UpdateMessageState(ctx context.Context, m model.Message) error {
	defer logger.DeferLogDuration("msg.UpdateState", time.Now())()
	d := m.Data()
	tag, err := t.tx.Exec(ctx,
		`UPDATE messages SET pinned = $1, deleted_at = $2 WHERE id = $3`,
		d.Pinned, d.DeletedAt, d.ID,
	)
	if err != nil {
		return classify("msgRepo.UpdateState", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListMessages(ctx context.Context, chatID string, q MessageQuery) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetChatMessages", time.Now())()
	args := []any{chatID}
	where := []string{"chat_id = $1"}
	if !q.Before.IsZero() {
		args = append(args, q.Before.CreatedAt, q.Before.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	if !q.After.IsZero() {
		args = append(args, q.After.CreatedAt, q.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	// Только After - берём самые ранние после курсора; иначе - самые поздние и разворачиваем.
	ascending := q.Before.IsZero() && !q.After.IsZero()
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	args = append(args, q.Limit)
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE %s ORDER BY created_at %s, id %s LIMIT $%d`,
		messageCols, strings.Join(where, " AND "), order, order, len(args))

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("msgRepo.GetChatMessages query", err)
	}
	msgs, err := collectMessages(rows, "msgRepo.GetChatMessages", q.Limit)
	if err != nil {
		return nil, err
	}
	if !ascending {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

// CountUnread считает сообщения чата новее отметки прочтения участника, кроме своих и удалённых.
func (t *pgTx) CountUnread(ctx context.Context, chatID, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.GetUnreadCount", time.Now())()
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN chat_members cm ON cm.chat_id = m.chat_id AND cm.user_id = $2
		 WHERE m.chat_id = $1 AND m.sender_id != $2 AND m.created_at > cm.last_seen_at AND m.deleted_at IS NULL`,
		chatID, userID,
	).Scan(&count)
	if err != nil {
		return 0, classify("chatRepo.GetUnreadCount", err)
	}
	return count, nil
}

func (t *pgTx) CountUnreadBatch(ctx context.Context, chatID string, userIDs []string) (map[string]int, error) {
	defer logger.DeferLogDuration("chat.GetUnreadCounts", time.Now())()
	out := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT cm.user_id, COUNT(m.id)
		 FROM chat_members cm
		 LEFT JOIN messages m ON m.chat_id = cm.chat_id
		      AND m.sender_id != cm.user_id
		      AND m.created_at > cm.last_seen_at
		      AND m.deleted_at IS NULL
		 WHERE cm.chat_id = $1 AND cm.user_id = ANY($2)
		 GROUP BY cm.user_id`,
		chatID, userIDs,
	)
	if err != nil {
		return nil, classify("chatRepo.GetUnreadCounts query", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			uid string
			n   int
		)
		if err := rows.Scan(&uid, &n); err != nil {
			return nil, classify("chatRepo.GetUnreadCounts scan", err)
		}
		out[uid] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("chatRepo.GetUnreadCounts rows", err)
	}
	return out, nil
}
