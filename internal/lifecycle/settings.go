package lifecycle

import (
	"fmt"
	"time"

	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/location"
	"github.com/agentworkforce/localsave/internal/writer"
)

const (
	DefaultFileName                = "data.json"
	DefaultMaxRetries              = 3
	DefaultRetryBaseDelay          = time.Second
	DefaultRetryMaxExponent        = 5
	DefaultPermissionCheckInterval = 30 * time.Second
)

type Settings struct {
	FileName                string
	Enabled                 bool
	SaveInterval            time.Duration
	DebounceDelay           time.Duration
	MaxRetries              uint
	RetryBaseDelay          time.Duration
	RetryMaxExponent        uint
	PermissionCheckInterval time.Duration
	SkipUnchanged           bool
}

func DefaultSettings() Settings {
	return Settings{
		FileName:                DefaultFileName,
		Enabled:                 true,
		SaveInterval:            writer.DefaultMaxWait,
		DebounceDelay:           writer.DefaultDebounce,
		MaxRetries:              DefaultMaxRetries,
		RetryBaseDelay:          DefaultRetryBaseDelay,
		RetryMaxExponent:        DefaultRetryMaxExponent,
		PermissionCheckInterval: DefaultPermissionCheckInterval,
	}
}

// Normalize fills zero values with defaults and rejects values that cannot
// work.
func (s Settings) Normalize() (Settings, error) {
	d := DefaultSettings()
	if s.FileName == "" {
		s.FileName = d.FileName
	}
	if s.SaveInterval < 0 || s.DebounceDelay < 0 || s.RetryBaseDelay < 0 || s.PermissionCheckInterval < 0 {
		return s, faults.New(faults.KindInvalidInput, "settings", "", fmt.Errorf("durations must not be negative"))
	}
	if s.SaveInterval == 0 {
		s.SaveInterval = d.SaveInterval
	}
	if s.DebounceDelay == 0 {
		s.DebounceDelay = d.DebounceDelay
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = d.RetryBaseDelay
	}
	if s.RetryMaxExponent > 30 {
		s.RetryMaxExponent = 30
	}
	if s.PermissionCheckInterval == 0 {
		s.PermissionCheckInterval = d.PermissionCheckInterval
	}
	if err := location.ValidateName(s.FileName); err != nil {
		return s, err
	}
	return s, nil
}

// Backoff returns the delay before retrying after the n-th consecutive
// failure, n starting at 1.
func (s Settings) Backoff(n uint) time.Duration {
	exp := uint(0)
	if n > 0 {
		exp = n - 1
	}
	if exp > s.RetryMaxExponent {
		exp = s.RetryMaxExponent
	}
	return s.RetryBaseDelay * time.Duration(uint64(1)<<exp)
}

func (s Settings) writerSettings() writer.Settings {
	return writer.Settings{
		FileName:      s.FileName,
		Debounce:      s.DebounceDelay,
		MaxWait:       s.SaveInterval,
		Enabled:       s.Enabled,
		SkipUnchanged: s.SkipUnchanged,
	}
}
