package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/sirupsen/logrus"
)

// File keeps the snapshot in one JSON document, rewritten through a temp
// file and rename so a crash never leaves a torn file behind.
type File struct {
	path   string
	logger *logrus.Logger

	mu  sync.Mutex
	mem *Memory
}

func NewFile(path string, logger *logrus.Logger) (*File, error) {
	if path == "" {
		return nil, errors.New("file store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	f := &File{path: path, logger: logger, mem: NewMemory()}
	snap, err := f.read()
	if err != nil {
		return nil, err
	}
	_ = f.mem.SaveAccounts(context.Background(), snap.Accounts)
	_ = f.mem.SaveOrders(context.Background(), snap.Orders)
	return f, nil
}

func (f *File) Load(ctx context.Context) (Snapshot, error) {
	return f.mem.Load(ctx)
}

func (f *File) SaveAccounts(ctx context.Context, accounts []models.TradingAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.mem.SaveAccounts(ctx, accounts)
	return f.flush(ctx)
}

func (f *File) SaveOrders(ctx context.Context, orders []models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.mem.SaveOrders(ctx, orders)
	return f.flush(ctx)
}

func (f *File) Close() error { return nil }

func (f *File) read() (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read store: %w", err)
	}
	if len(data) == 0 {
		return Snapshot{}, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode store %s: %w", f.path, err)
	}
	return snap, nil
}

// flush must be called with f.mu held.
func (f *File) flush(ctx context.Context) error {
	snap, _ := f.mem.Load(ctx)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	f.logger.WithFields(logrus.Fields{
		"accounts": len(snap.Accounts),
		"orders":   len(snap.Orders),
	}).Debug("Store flushed")
	return nil
}
