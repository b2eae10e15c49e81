package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newBolt(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewBoltStore(t *testing.T) {
	tempDir := t.TempDir()

	store, err := NewBoltStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(tempDir, BoltFile)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNewBoltStore_InvalidPath(t *testing.T) {
	_, err := NewBoltStore(filepath.Join(t.TempDir(), "missing", "dir"))
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestBoltStore_CloseTwice(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
	if _, _, err := store.Get(context.Background(), "b", "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
}

func TestBoltStore_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	store := newBolt(t)

	if _, ok, err := store.Get(ctx, "nobucket", "k"); err != nil || ok {
		t.Fatalf("Get on missing bucket: ok=%v err=%v", ok, err)
	}

	if err := store.Put(ctx, "b", "k", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := store.Get(ctx, "b", "k")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}

	if err := store.Delete(ctx, "b", "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "b", "k"); ok {
		t.Error("Key still present after delete")
	}
	if err := store.Delete(ctx, "nobucket", "k"); err != nil {
		t.Errorf("Delete on missing bucket: %v", err)
	}
}

func TestBoltStore_ScanPrefix(t *testing.T) {
	ctx := context.Background()
	store := newBolt(t)

	for _, k := range []string{"bot-1/ETH/USDT_2", "bot-1/BTC/USDT_1", "bot-10/BTC/USDT_3", "bot-2/BTC/USDT_4"} {
		if err := store.Put(ctx, "b", k, []byte(k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	var got []string
	err := store.Scan(ctx, "b", "bot-1/", func(k string, v []byte) error {
		if k != string(v) {
			t.Errorf("value mismatch for %s: %s", k, v)
		}
		got = append(got, k)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := []string{"bot-1/BTC/USDT_1", "bot-1/ETH/USDT_2"}
	if len(got) != len(want) {
		t.Fatalf("Scan returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Scan[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Put(ctx, "b", "k", []byte("kept")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Close()

	store, err = NewBoltStore(dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()
	if v, ok, _ := store.Get(ctx, "b", "k"); !ok || string(v) != "kept" {
		t.Errorf("Value lost across reopen: %q", v)
	}
}
