package state

import (
	"encoding/json"
	"errors"
	"testing"

	"marginx/storage"
)

type record struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestRecordAndLoad(t *testing.T) {
	j := NewJournal(storage.NewMemDB())
	if err := j.Record("position/0xabc", record{Name: "a", Value: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	var got record
	if err := j.Load("position/0xabc", &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Name != "a" || got.Value != 1 {
		t.Fatalf("got %+v", got)
	}
	if err := j.Load("position/0xmissing", &got); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestEachStripsPrefix(t *testing.T) {
	j := NewJournal(storage.NewMemDB())
	for _, k := range []string{"position/1", "position/2", "request/1"} {
		if err := j.Record(k, record{Name: k}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	var seen []string
	err := j.Each("position/", func(key string, raw json.RawMessage) error {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		seen = append(seen, key)
		return nil
	})
	if err != nil {
		t.Fatalf("each: %v", err)
	}
	if len(seen) != 2 || seen[0] != "1" || seen[1] != "2" {
		t.Fatalf("seen = %v", seen)
	}
}

func TestRecordOverwrites(t *testing.T) {
	j := NewJournal(storage.NewMemDB())
	if err := j.Record("k", record{Value: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record("k", record{Value: 2}); err != nil {
		t.Fatalf("record: %v", err)
	}
	var got record
	if err := j.Load("k", &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Value != 2 {
		t.Fatalf("value = %d, want latest write", got.Value)
	}
}
