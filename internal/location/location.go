// Package location performs file I/O inside a granted directory: atomic
// writes guarded by an advisory lock, reads, listings and pre-replace
// backups. Every error it returns is classified with the faults package.
package location

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/localsave/internal/faults"
)

const (
	DataFileExt = ".json"
	BackupDir   = "backups"

	fileMode = 0o644
)

type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

type Location struct {
	root string
	now  func() time.Time
}

// Open returns a Location for an existing directory. It does not check
// write access; that is the registry's job.
func Open(root string) (*Location, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, faults.New(faults.KindInvalidInput, "open location", "", fmt.Errorf("root is required"))
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, faults.New(faults.KindInvalidInput, "open location", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, faults.FromOS("open location", abs, err)
	}
	if !info.IsDir() {
		return nil, faults.New(faults.KindPermanentIO, "open location", abs, fmt.Errorf("not a directory"))
	}
	return &Location{root: abs, now: time.Now}, nil
}

func (l *Location) Root() string {
	return l.root
}

// ValidateName accepts a bare file name that stays inside the root.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return faults.New(faults.KindInvalidInput, "validate name", name, fmt.Errorf("file name is required"))
	case name == "." || name == "..":
		return faults.New(faults.KindInvalidInput, "validate name", name, fmt.Errorf("file name is reserved"))
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return faults.New(faults.KindInvalidInput, "validate name", name, fmt.Errorf("file name must not contain separators"))
	case filepath.Base(name) != name:
		return faults.New(faults.KindInvalidInput, "validate name", name, fmt.Errorf("file name must not traverse directories"))
	}
	return nil
}

// WriteFile replaces name atomically. With replace set, the current content
// is copied to a backup first and the write is aborted if that fails. The
// returned BackupRecord is nil when no backup was taken.
func (l *Location) WriteFile(ctx context.Context, name string, data []byte, replace bool) (*BackupRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, faults.New(faults.KindCancelled, "write", name, err)
	}
	path := filepath.Join(l.root, name)
	unlock, err := lockFile(l.lockPath(name))
	if err != nil {
		return nil, faults.FromOS("lock", path, err)
	}
	defer unlock()

	var backup *BackupRecord
	if replace {
		backup, err = l.backupLocked(name)
		if err != nil {
			return nil, err
		}
	}
	if err := writeFileAtomic(path, data, fileMode); err != nil {
		return backup, faults.FromOS("write", path, err)
	}
	return backup, nil
}

func (l *Location) ReadFile(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(l.root, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, faults.New(faults.KindPermanentIO, "read", path, errors.Join(faults.ErrNotFound, err))
		}
		return nil, faults.FromOS("read", path, err)
	}
	return data, nil
}

// List returns the data files in the root, sorted by name: every .json file
// plus the names in include, whatever their extension. Hidden files, lock
// files and temporary files are skipped.
func (l *Location) List(include ...string) ([]FileInfo, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, faults.FromOS("list", l.root, err)
	}
	wanted := make(map[string]bool, len(include))
	for _, name := range include {
		wanted[name] = true
	}
	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Type().IsRegular() {
			continue
		}
		if !wanted[name] && !strings.HasSuffix(name, DataFileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, faults.FromOS("list", filepath.Join(l.root, name), err)
		}
		files = append(files, FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (l *Location) lockPath(name string) string {
	return filepath.Join(l.root, "."+name+".lock")
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
