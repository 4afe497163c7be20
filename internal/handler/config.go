package handler

import (
	"net/http"
	"time"
)

// ClientConfig - публичные параметры для клиента.
type ClientConfig struct {
	VAPIDPublicKey string
	TypingTimeout  time.Duration
}

// ConfigHandler отдаёт публичные параметры конфигурации (без авторизации).
type ConfigHandler struct {
	cfg ClientConfig
}

func NewConfigHandler(cfg ClientConfig) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg.VAPIDPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.cfg.VAPIDPublicKey,
	})
}

// GetTypingConfig - через сколько клиенту повторять сигнал «печатает», чтобы он не погас.
func (h *ConfigHandler) GetTypingConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"timeout_ms": h.cfg.TypingTimeout.Milliseconds()})
}
