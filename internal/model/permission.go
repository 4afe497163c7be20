package model

// GroupPermissions - права обычных участников группы (владельцы могут всё).
type GroupPermissions struct {
	SendMessages bool `json:"send_messages"`
	SendMedia    bool `json:"send_media"`
	AddUsers     bool `json:"add_users"`
	PinMessages  bool `json:"pin_messages"`
	ChangeInfo   bool `json:"change_info"`
}

// DefaultGroupPermissions - права участников новой группы.
func DefaultGroupPermissions() GroupPermissions {
	return GroupPermissions{
		SendMessages: true,
		SendMedia:    true,
		AddUsers:     true,
	}
}

// CanSend сообщает, может ли обычный участник отправить контент данного типа.
func (p GroupPermissions) CanSend(t MessageType) bool {
	if !p.SendMessages {
		return false
	}
	if t.IsMedia() {
		return p.SendMedia
	}
	return true
}
