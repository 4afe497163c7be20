package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
)

const memberCols = `chat_id, user_id, role, joined_at, last_seen_at`

func scanMember(s interface{ Scan(dest ...any) error }, m *model.ChatMember) error {
	return s.Scan(&m.ChatID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastSeenAt)
}

func (t *pgTx) InsertMember(ctx context.Context, m model.ChatMember) error {
	defer logger.DeferLogDuration("chat.AddMember", time.Now())()
	if m.LastSeenAt.IsZero() {
		m.LastSeenAt = model.NeverSeen
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO chat_members (`+memberCols+`) VALUES ($1, $2, $3, $4, $5)`,
		m.ChatID, m.UserID, m.Role, m.JoinedAt, m.LastSeenAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicateMembership
		}
		return classify("chatRepo.AddMember", err)
	}
	return nil
}

func (t *pgTx) GetMember(ctx context.Context, chatID, userID string) (model.ChatMember, error) {
	defer logger.DeferLogDuration("chat.GetMember", time.Now())()
	var m model.ChatMember
	row := t.tx.QueryRow(ctx,
		`SELECT `+memberCols+` FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
	if err := scanMember(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChatMember{}, ErrNotFound
		}
		return model.ChatMember{}, classify("chatRepo.GetMember", err)
	}
	return m, nil
}

func (t *pgTx) ListMembers(ctx context.Context, chatID string) ([]model.ChatMember, error) {
	defer logger.DeferLogDuration("chat.GetMembers", time.Now())()
	rows, err := t.tx.Query(ctx,
		`SELECT `+memberCols+` FROM chat_members WHERE chat_id = $1 ORDER BY joined_at, user_id`, chatID,
	)
	if err != nil {
		return nil, classify("chatRepo.GetMembers query", err)
	}
	defer rows.Close()

	members := make([]model.ChatMember, 0, 8)
	for rows.Next() {
		var m model.ChatMember
		if err := scanMember(rows, &m); err != nil {
			return nil, classify("chatRepo.GetMembers scan", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("chatRepo.GetMembers rows", err)
	}
	return members, nil
}

// DeleteMember удаляет участника вместе с его отметкой прочтения.
func (t *pgTx) DeleteMember(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.RemoveMember", time.Now())()
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
	if err != nil {
		return classify("chatRepo.RemoveMember", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetRole(ctx context.Context, chatID, userID string, role model.Role) error {
	defer logger.DeferLogDuration("chat.SetRole", time.Now())()
	tag, err := t.tx.Exec(ctx,
		`UPDATE chat_members SET role = $1 WHERE chat_id = $2 AND user_id = $3`,
		role, chatID, userID,
	)
	if err != nil {
		return classify("chatRepo.SetRole", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CountOwners(ctx context.Context, chatID string) (int, error) {
	defer logger.DeferLogDuration("chat.CountOwners", time.Now())()
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_members WHERE chat_id = $1 AND role = $2`,
		chatID, model.RoleOwner,
	).Scan(&n)
	if err != nil {
		return 0, classify("chatRepo.CountOwners", err)
	}
	return n, nil
}

func (t *pgTx) AdvanceLastSeen(ctx context.Context, chatID, userID string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("chat.UpdateMemberLastSeen", time.Now())()
	tag, err := t.tx.Exec(ctx,
		`UPDATE chat_members SET last_seen_at = $1
		 WHERE chat_id = $2 AND user_id = $3 AND last_seen_at < $1`,
		at, chatID, userID,
	)
	if err != nil {
		return false, classify("chatRepo.UpdateMemberLastSeen", err)
	}
	return tag.RowsAffected() > 0, nil
}
