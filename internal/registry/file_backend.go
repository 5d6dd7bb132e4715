package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const fileBackendVersion = 1

const fileBackendSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "stores"],
  "properties": {
    "version": {"const": 1},
    "stores": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": {
          "type": "object",
          "required": ["logicalKey", "handle", "lastVerifiedPermission"],
          "properties": {
            "logicalKey": {"type": "string", "minLength": 1},
            "handle": {
              "type": "object",
              "required": ["path"],
              "properties": {
                "id": {"type": "string"},
                "path": {"type": "string", "minLength": 1}
              }
            },
            "lastVerifiedPermission": {"enum": ["granted", "prompt-required", "denied", "unknown"]},
            "updatedAt": {"type": "string"}
          }
        }
      }
    }
  }
}`

var (
	fileSchemaOnce sync.Once
	fileSchema     *jsonschema.Schema
	fileSchemaErr  error
)

type fileSnapshot struct {
	Version int                          `json:"version"`
	Stores  map[string]map[string]Record `json:"stores"`
}

// FileBackend keeps every store in one JSON document. A missing file is a
// fresh install, not an error; a file that fails schema validation is.
type FileBackend struct {
	Path string
	mu   sync.Mutex
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Load(_ context.Context, store, key string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := b.readLocked()
	if err != nil {
		return nil, err
	}
	rec, ok := snapshot.Stores[store][key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (b *FileBackend) Save(_ context.Context, store string, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := b.readLocked()
	if err != nil {
		return err
	}
	if snapshot.Stores[store] == nil {
		snapshot.Stores[store] = map[string]Record{}
	}
	snapshot.Stores[store][rec.LogicalKey] = rec
	return b.writeLocked(snapshot)
}

func (b *FileBackend) Delete(_ context.Context, store, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := b.readLocked()
	if err != nil {
		return err
	}
	if _, ok := snapshot.Stores[store][key]; !ok {
		return nil
	}
	delete(snapshot.Stores[store], key)
	if len(snapshot.Stores[store]) == 0 {
		delete(snapshot.Stores, store)
	}
	return b.writeLocked(snapshot)
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) readLocked() (*fileSnapshot, error) {
	empty := &fileSnapshot{Version: fileBackendVersion, Stores: map[string]map[string]Record{}}
	if b.Path == "" {
		return nil, fmt.Errorf("registry file path is empty")
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil
		}
		return nil, err
	}
	if err := validateFileSnapshot(data); err != nil {
		return nil, fmt.Errorf("registry file %s is corrupt: %w", b.Path, err)
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Stores == nil {
		snapshot.Stores = map[string]map[string]Record{}
	}
	return &snapshot, nil
}

func (b *FileBackend) writeLocked(snapshot *fileSnapshot) error {
	snapshot.Version = fileBackendVersion
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func validateFileSnapshot(data []byte) error {
	fileSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(fileBackendSchema))
		if err != nil {
			fileSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("registry-file.json", doc); err != nil {
			fileSchemaErr = err
			return
		}
		fileSchema, fileSchemaErr = compiler.Compile("registry-file.json")
	})
	if fileSchemaErr != nil {
		return fileSchemaErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return fileSchema.Validate(inst)
}
