package repository

import (
	"context"
	"time"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
)

// ListPinned возвращает закреплённые сообщения чата в порядке ленты.
func (t *pgTx) ListPinned(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("pinned.GetPinned", time.Now())()
	rows, err := t.tx.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE chat_id = $1 AND pinned AND deleted_at IS NULL
		 ORDER BY created_at, id`, chatID,
	)
	if err != nil {
		return nil, classify("pinnedRepo.GetPinned query", err)
	}
	return collectMessages(rows, "pinnedRepo.GetPinned", 4)
}
