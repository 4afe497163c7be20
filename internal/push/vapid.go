package push

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatengine/internal/logger"
)

// Keys - пара VAPID-ключей сервера.
type Keys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func (k Keys) Valid() bool { return k.PublicKey != "" && k.PrivateKey != "" }

// LoadOrGenerateKeys читает ключи из path; при отсутствии файла генерирует новую пару
// и пытается её сохранить. Ошибка сохранения не фатальна: ключи живут до рестарта.
func LoadOrGenerateKeys(path string) (Keys, error) {
	keys, err := readKeys(path)
	switch {
	case err == nil && keys.Valid():
		return keys, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return Keys{}, err
	}

	pub, priv, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return Keys{}, err
	}
	keys = Keys{PublicKey: pub, PrivateKey: priv}
	if err := writeKeys(path, keys); err != nil {
		logger.Errorf("push: VAPID keys not saved to %s: %v", path, err)
		return keys, nil
	}
	logger.Infof("push: generated VAPID keys in %s", path)
	return keys, nil
}

func readKeys(path string) (Keys, error) {
	var keys Keys
	data, err := os.ReadFile(path)
	if err != nil {
		return keys, err
	}
	err = json.Unmarshal(data, &keys)
	return keys, err
}

func writeKeys(path string, keys Keys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
