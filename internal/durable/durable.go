// Package durable provides crash-safe file persistence: every write goes to
// a temp file, is fsynced, then renamed over the target so readers never see
// a torn file.
package durable

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with data. The parent directory is
// synced after the rename so the new directory entry survives a crash.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// ReadFile loads path, falling back to the previous snapshot (path + ".bak")
// when the primary is missing or empty. It returns os.ErrNotExist when
// neither exists.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return data, nil
	}
	backup, berr := os.ReadFile(path + ".bak")
	if berr == nil && len(backup) > 0 {
		return backup, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, os.ErrNotExist
}

// Snapshot copies the current file to path + ".bak" before a rewrite, giving
// ReadFile something to fall back to if the next write is later found corrupt.
func Snapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return WriteFile(path+".bak", data)
}
