// Package autosave is the public entry point: it validates caller input,
// forwards session and write operations to the lifecycle coordinator, serves
// reads from the connected location and fans status out to subscribers.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/localsave/internal/clock"
	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/lifecycle"
	"github.com/agentworkforce/localsave/internal/location"
	"github.com/agentworkforce/localsave/internal/prompt"
	"github.com/agentworkforce/localsave/internal/registry"
	"github.com/agentworkforce/localsave/internal/telemetry"
)

type Options struct {
	Registry   *registry.Registry
	Picker     lifecycle.Picker
	LogicalKey string
	Settings   lifecycle.Settings
	Clock      clock.Clock
	Sink       telemetry.Sink
	Watch      bool
	Logger     logrus.FieldLogger
}

type observer struct {
	id uint64
	fn func(lifecycle.Status)
}

type Service struct {
	coord  *lifecycle.Coordinator
	logger logrus.FieldLogger

	mu        sync.Mutex
	observers []observer
	nextID    uint64
}

func New(opts Options) (*Service, error) {
	s := &Service{logger: opts.Logger}
	if s.logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		s.logger = discard
	}
	coord, err := lifecycle.New(lifecycle.Options{
		Registry:   opts.Registry,
		Picker:     prompt.FromContext(opts.Picker),
		LogicalKey: opts.LogicalKey,
		Settings:   opts.Settings,
		Clock:      opts.Clock,
		Sink:       opts.Sink,
		OnStatus:   s.publish,
		Watch:      opts.Watch,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.coord = coord
	return s, nil
}

// Subscribe registers fn for every status transition. Callbacks run in
// subscription order, one transition at a time. The returned func removes
// the subscription and may be called any number of times.
func (s *Service) Subscribe(fn func(lifecycle.Status)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Service) publish(status lifecycle.Status) {
	s.mu.Lock()
	observers := append([]observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		o.fn(status)
	}
}

// Connect prompts for a new location through the configured picker.
func (s *Service) Connect(ctx context.Context) (bool, error) {
	return s.coord.Connect(ctx)
}

// ConnectTo connects to path without prompting for a location. Permission
// may still be requested.
func (s *Service) ConnectTo(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return false, faults.New(faults.KindInvalidInput, "connect", "", fmt.Errorf("path is required"))
	}
	return s.coord.Connect(prompt.WithPath(ctx, path))
}

func (s *Service) ConnectToExisting(ctx context.Context) (bool, error) {
	return s.coord.ConnectToExisting(ctx)
}

func (s *Service) Disconnect() int {
	return s.coord.Disconnect()
}

func (s *Service) Purge(ctx context.Context) error {
	return s.coord.Purge(ctx)
}

func (s *Service) EnsurePermission(ctx context.Context) (bool, error) {
	return s.coord.EnsurePermission(ctx)
}

// Save schedules payload for the next debounced write.
func (s *Service) Save(payload []byte) error {
	if payload == nil {
		return faults.New(faults.KindInvalidInput, "save", "", fmt.Errorf("payload is required"))
	}
	return s.coord.Save(payload)
}

// SaveNow writes immediately. A nil payload flushes whatever is pending.
func (s *Service) SaveNow(ctx context.Context, payload []byte) error {
	if payload != nil {
		if err := s.coord.Save(payload); err != nil {
			return err
		}
	}
	return s.coord.Flush(ctx)
}

// ImportReplace overwrites the data file wholesale after backing it up.
func (s *Service) ImportReplace(ctx context.Context, payload []byte) error {
	if payload == nil {
		return faults.New(faults.KindInvalidInput, "import", "", fmt.Errorf("payload is required"))
	}
	return s.coord.Replace(ctx, payload)
}

func (s *Service) ListDataFiles() ([]location.FileInfo, error) {
	var files []location.FileInfo
	err := s.coord.WithLocation(func(loc *location.Location) error {
		var err error
		files, err = loc.List(s.coord.Settings().FileName)
		return err
	})
	return files, err
}

func (s *Service) ReadNamedFile(name string) ([]byte, error) {
	if err := location.ValidateName(name); err != nil {
		return nil, err
	}
	var data []byte
	err := s.coord.WithLocation(func(loc *location.Location) error {
		var err error
		data, err = loc.ReadFile(name)
		return err
	})
	return data, err
}

// LoadExistingData reads the configured data file. It returns nil and no
// error when the file has not been written yet.
func (s *Service) LoadExistingData() ([]byte, error) {
	data, err := s.ReadNamedFile(s.coord.Settings().FileName)
	if errors.Is(err, faults.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// ListBackups lists backups of name, or of every file when name is empty.
func (s *Service) ListBackups(name string) ([]location.BackupRecord, error) {
	var records []location.BackupRecord
	err := s.coord.WithLocation(func(loc *location.Location) error {
		var err error
		records, err = loc.Backups(name)
		return err
	})
	return records, err
}

func (s *Service) Status() lifecycle.Status {
	return s.coord.Status()
}

func (s *Service) Settings() lifecycle.Settings {
	return s.coord.Settings()
}

func (s *Service) Reconfigure(settings lifecycle.Settings) error {
	if err := s.coord.Reconfigure(settings); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"file":     settings.FileName,
		"enabled":  settings.Enabled,
		"debounce": settings.DebounceDelay.String(),
	}).Info("autosave settings updated")
	return nil
}

// Path returns the connected directory, or "" when disconnected.
func (s *Service) Path() string {
	return s.coord.Path()
}

func (s *Service) Close() {
	s.coord.Close()
}
