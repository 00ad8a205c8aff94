package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File appends events as JSON lines to a file.
type File struct {
	mx   sync.Mutex
	root *os.Root
	name string
}

func NewFile(path string) (*File, error) {
	dir, name := filepath.Split(filepath.Clean(path))
	if name == "" || name == "." {
		return nil, fmt.Errorf("invalid notification file %q", path)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &File{root: root, name: name}, nil
}

func (f *File) Notify(_ context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	f.mx.Lock()
	defer f.mx.Unlock()
	if f.root == nil {
		return errors.New("file sink already closed")
	}
	fp, err := f.root.OpenFile(f.name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening notification file: %w", err)
	}
	if _, err := fp.Write(raw); err != nil {
		_ = fp.Close()
		return fmt.Errorf("writing notification: %w", err)
	}
	return fp.Close()
}

func (f *File) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.root == nil {
		return errors.New("file sink already closed")
	}
	err := f.root.Close()
	f.root = nil
	return err
}
