package push

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/rideshare/internal/config"
	"github.com/rideshare/internal/logger"
)

// VAPIDKeys: пара ключей для Web Push (VAPID).
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

var errPartialKeys = errors.New("only one of the VAPID keys is set")

// Validate проверяет, что ключи это base64url точки P-256 (65 байт) и скаляра (до 32 байт).
func (k *VAPIDKeys) Validate() error {
	if k.PublicKey == "" || k.PrivateKey == "" {
		return errPartialKeys
	}
	if n, err := decodedLen(k.PublicKey); err != nil || n != 65 {
		return fmt.Errorf("public key: want 65 bytes base64url, got %d (%v)", n, err)
	}
	if n, err := decodedLen(k.PrivateKey); err != nil || n == 0 || n > 32 {
		return fmt.Errorf("private key: want up to 32 bytes base64url, got %d (%v)", n, err)
	}
	return nil
}

func decodedLen(s string) (int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(s)
	}
	return len(b), err
}

// LoadVAPIDKeys берёт ключи из конфигурации: сначала из VAPID_PUBLIC_KEY/VAPID_PRIVATE_KEY,
// затем из файла cfg.VAPIDKeysFile. Если файла нет, пара генерируется и сохраняется.
// Повреждённый или неполный файл считается ошибкой и не перезаписывается.
func LoadVAPIDKeys(cfg config.PushConfig) (*VAPIDKeys, error) {
	if cfg.VAPIDPublicKey != "" || cfg.VAPIDPrivateKey != "" {
		keys := &VAPIDKeys{PublicKey: cfg.VAPIDPublicKey, PrivateKey: cfg.VAPIDPrivateKey}
		if err := keys.Validate(); err != nil {
			return nil, fmt.Errorf("push.LoadVAPIDKeys: env: %w", err)
		}
		return keys, nil
	}
	if cfg.VAPIDKeysFile == "" {
		return nil, errors.New("push.LoadVAPIDKeys: no keys configured")
	}

	keys, err := readVAPIDKeys(cfg.VAPIDKeysFile)
	switch {
	case err == nil:
		if err := keys.Validate(); err != nil {
			return nil, fmt.Errorf("push.LoadVAPIDKeys: %s: %w", cfg.VAPIDKeysFile, err)
		}
		return keys, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("push.LoadVAPIDKeys: %w", err)
	}

	pub, priv, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push.LoadVAPIDKeys: generate: %w", err)
	}
	keys = &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := writeVAPIDKeys(cfg.VAPIDKeysFile, keys); err != nil {
		logger.Errorf("push: не удалось сохранить VAPID-ключи в %s: %v (ключи используются до перезапуска)", cfg.VAPIDKeysFile, err)
		return keys, nil
	}
	logger.Infof("push: VAPID-ключи сгенерированы и сохранены в %s", cfg.VAPIDKeysFile)
	return keys, nil
}

func readVAPIDKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys VAPIDKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &keys, nil
}

// writeVAPIDKeys пишет во временный файл и атомарно переименовывает его.
func writeVAPIDKeys(path string, keys *VAPIDKeys) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".vapid-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
