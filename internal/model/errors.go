package model

import "errors"

// Доменные ошибки. Слои выше сравнивают их через errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrNotAMember             = errors.New("not a member")
	ErrLastOwnerViolation     = errors.New("chat must keep at least one owner")
	ErrUnsupportedForChatKind = errors.New("operation not supported for this chat kind")
	ErrDuplicateMembership    = errors.New("already a member")
	ErrChatArchived           = errors.New("chat is read-only for this member")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidContent         = errors.New("invalid message content")
	ErrTransientStore         = errors.New("transient store failure")
	ErrPushDelivery           = errors.New("push delivery failed")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrNotAMember, "not_a_member"},
	{ErrLastOwnerViolation, "last_owner"},
	{ErrUnsupportedForChatKind, "unsupported_for_chat_kind"},
	{ErrDuplicateMembership, "duplicate_membership"},
	{ErrChatArchived, "chat_archived"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrInvalidContent, "invalid_content"},
	{ErrTransientStore, "unavailable"},
}

// ErrorCode - машиночитаемый код доменной ошибки для клиентов; "internal" для остальных.
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}
