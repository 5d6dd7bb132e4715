package location

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/localsave/internal/faults"
)

const (
	backupSuffix     = ".bak"
	backupTimeLayout = "20060102T150405.000000000Z"
)

type BackupRecord struct {
	ID         string    `json:"id"`
	SourceFile string    `json:"sourceFile"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
	Size       int64     `json:"size"`
}

// Backup copies name into the backups directory. A missing source yields
// (nil, nil): there is nothing to lose.
func (l *Location) Backup(name string) (*BackupRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	unlock, err := lockFile(l.lockPath(name))
	if err != nil {
		return nil, faults.FromOS("lock", filepath.Join(l.root, name), err)
	}
	defer unlock()
	return l.backupLocked(name)
}

func (l *Location) backupLocked(name string) (*BackupRecord, error) {
	source := filepath.Join(l.root, name)
	src, err := os.Open(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, faults.FromOS("backup", source, err)
	}
	defer src.Close()

	dir := filepath.Join(l.root, BackupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, faults.FromOS("backup", dir, err)
	}
	created := l.now().UTC()
	id := uuid.NewString()
	path := filepath.Join(dir, fmt.Sprintf("%s.%s-%s%s", name, created.Format(backupTimeLayout), id, backupSuffix))

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return nil, faults.FromOS("backup", path, err)
	}
	size, err := io.Copy(dst, src)
	if err == nil {
		err = dst.Sync()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, faults.FromOS("backup", path, err)
	}
	return &BackupRecord{ID: id, SourceFile: name, Path: path, CreatedAt: created, Size: size}, nil
}

// Backups lists backups newest first. An empty name lists every source.
func (l *Location) Backups(name string) ([]BackupRecord, error) {
	if name != "" {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
	}
	dir := filepath.Join(l.root, BackupDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []BackupRecord{}, nil
		}
		return nil, faults.FromOS("list backups", dir, err)
	}
	records := make([]BackupRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		rec, ok := parseBackupName(entry.Name())
		if !ok || (name != "" && rec.SourceFile != name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		rec.Path = filepath.Join(dir, entry.Name())
		rec.Size = info.Size()
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// parseBackupName splits "<source>.<timestamp>-<uuid>.bak".
func parseBackupName(fileName string) (BackupRecord, bool) {
	rest, ok := strings.CutSuffix(fileName, backupSuffix)
	if !ok {
		return BackupRecord{}, false
	}
	const idLen = 36
	if len(rest) < idLen+2 || rest[len(rest)-idLen-1] != '-' {
		return BackupRecord{}, false
	}
	id := rest[len(rest)-idLen:]
	if _, err := uuid.Parse(id); err != nil {
		return BackupRecord{}, false
	}
	rest = rest[:len(rest)-idLen-1]
	dot := strings.LastIndex(rest, ".")
	if dot <= 0 {
		return BackupRecord{}, false
	}
	// the timestamp layout itself contains a dot before the fraction
	dot = strings.LastIndex(rest[:dot], ".")
	if dot <= 0 {
		return BackupRecord{}, false
	}
	created, err := time.Parse(backupTimeLayout, rest[dot+1:])
	if err != nil {
		return BackupRecord{}, false
	}
	return BackupRecord{ID: id, SourceFile: rest[:dot], CreatedAt: created}, true
}
