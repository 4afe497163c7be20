package model

import "time"

// User - участник мессенджера. Жизненный цикл пользователей управляется снаружи движка.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Name возвращает отображаемое имя, а при его отсутствии - username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
