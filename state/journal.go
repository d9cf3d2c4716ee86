// Package state persists engine snapshots as JSON records over the storage
// layer. The journal is write-through: every mutation lands immediately, and
// the daemon replays the record set on boot.
package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"marginx/storage"
)

// Journal stores JSON-encoded records under string keys.
type Journal struct {
	db storage.Database
}

func NewJournal(db storage.Database) *Journal {
	return &Journal{db: db}
}

// Record marshals value and writes it under key. Implements the position
// engine's Recorder.
func (j *Journal) Record(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", key, err)
	}
	return j.db.Put([]byte(key), raw)
}

// Load unmarshals the record at key into out.
func (j *Journal) Load(key string, out any) error {
	raw, err := j.db.Get([]byte(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("journal: decode %s: %w", key, err)
	}
	return nil
}

// Each replays every record under prefix. fn receives the key with the prefix
// stripped and the raw JSON payload.
func (j *Journal) Each(prefix string, fn func(key string, raw json.RawMessage) error) error {
	return j.db.IteratePrefix([]byte(prefix), func(key, value []byte) error {
		short := strings.TrimPrefix(string(key), prefix)
		return fn(short, json.RawMessage(value))
	})
}
