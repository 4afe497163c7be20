package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
)

// UpdateGroupPermissions сохраняет права участников группы (jsonb). Для не-групп - ErrNotFound.
func (t *pgTx) UpdateGroupPermissions(ctx context.Context, chatID string, p model.GroupPermissions) error {
	defer logger.DeferLogDuration("permission.UpdateGroup", time.Now())()
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("permissionRepo.UpdateGroup: %w", err)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE chats SET permissions = $1 WHERE id = $2 AND kind = 'group'`,
		raw, chatID,
	)
	if err != nil {
		return classify("permissionRepo.UpdateGroup", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
