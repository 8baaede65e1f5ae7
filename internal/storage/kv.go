package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sjawhar/click2call/internal/device"
)

var _ device.KV = (*KV)(nil)

// KV is a string key/value view over one scope of the kv table.
type KV struct {
	db    *sql.DB
	scope string
}

func (k *KV) Get(key string) (string, bool, error) {
	var value string
	err := k.db.QueryRow(`SELECT value FROM kv WHERE scope = ? AND key = ?`, k.scope, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", k.scope, key, err)
	}
	return value, true, nil
}

func (k *KV) Set(key, value string) error {
	_, err := k.db.Exec(
		`INSERT INTO kv(scope, key, value, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		k.scope, key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", k.scope, key, err)
	}
	return nil
}

func (k *KV) Remove(key string) error {
	if _, err := k.db.Exec(`DELETE FROM kv WHERE scope = ? AND key = ?`, k.scope, key); err != nil {
		return fmt.Errorf("remove %s/%s: %w", k.scope, key, err)
	}
	return nil
}
