// Package prompt supplies the interactive pieces of a session: choosing a
// location and confirming access to it.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/agentworkforce/localsave/internal/faults"
)

type pathKey struct{}

// WithPath attaches a caller-chosen location to ctx. Pickers built with
// FromContext return it instead of asking.
func WithPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, pathKey{}, path)
}

func pathFromContext(ctx context.Context) (string, bool) {
	path, ok := ctx.Value(pathKey{}).(string)
	return path, ok && strings.TrimSpace(path) != ""
}

type Picker interface {
	PickLocation(ctx context.Context) (string, error)
}

type contextPicker struct {
	fallback Picker
}

// FromContext returns a picker that prefers a path attached with WithPath
// and otherwise defers to fallback. A nil fallback dismisses.
func FromContext(fallback Picker) Picker {
	return contextPicker{fallback: fallback}
}

func (p contextPicker) PickLocation(ctx context.Context) (string, error) {
	if path, ok := pathFromContext(ctx); ok {
		return path, nil
	}
	if p.fallback == nil {
		return "", faults.New(faults.KindPromptDismissed, "pick location", "", fmt.Errorf("no location supplied"))
	}
	return p.fallback.PickLocation(ctx)
}

// Static always picks the same directory.
type Static string

func (s Static) PickLocation(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", faults.New(faults.KindInvalidInput, "pick location", "", fmt.Errorf("no location configured"))
	}
	return string(s), nil
}

type Approve struct{}

func (Approve) ConfirmGrant(context.Context, string) (bool, error) { return true, nil }

type Decline struct{}

func (Decline) ConfirmGrant(context.Context, string) (bool, error) { return false, nil }

type lineResult struct {
	line string
	err  error
}

// Terminal asks on a line-oriented terminal. It implements both the
// location picker and the permission granter.
type Terminal struct {
	out         io.Writer
	interactive bool

	mu     sync.Mutex
	reader *bufio.Reader
	lines  chan lineResult
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	interactive := true
	if f, ok := in.(interface{ Fd() uintptr }); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &Terminal{out: out, interactive: interactive, reader: bufio.NewReader(in)}
}

func Stdio() *Terminal {
	return NewTerminal(os.Stdin, os.Stderr)
}

func (t *Terminal) Interactive() bool {
	return t.interactive
}

func (t *Terminal) PickLocation(ctx context.Context) (string, error) {
	line, err := t.ask(ctx, "pick location", "Directory to keep your data in: ")
	if err != nil {
		return "", err
	}
	if line == "" {
		return "", faults.New(faults.KindPromptDismissed, "pick location", "", fmt.Errorf("no directory entered"))
	}
	return expandHome(line), nil
}

func (t *Terminal) ConfirmGrant(ctx context.Context, path string) (bool, error) {
	line, err := t.ask(ctx, "confirm grant", fmt.Sprintf("Allow read and write access to %s? [y/N]: ", path))
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (t *Terminal) ask(ctx context.Context, op, question string) (string, error) {
	if !t.interactive {
		return "", faults.New(faults.KindPromptDismissed, op, "", fmt.Errorf("input is not a terminal"))
	}
	if _, err := io.WriteString(t.out, question); err != nil {
		return "", faults.New(faults.KindPromptDismissed, op, "", err)
	}
	lines := t.readLine()
	select {
	case res := <-lines:
		t.mu.Lock()
		t.lines = nil
		t.mu.Unlock()
		if res.err != nil && (res.err != io.EOF || res.line == "") {
			return "", faults.New(faults.KindPromptDismissed, op, "", res.err)
		}
		return strings.TrimSpace(res.line), nil
	case <-ctx.Done():
		return "", faults.New(faults.KindCancelled, op, "", ctx.Err())
	}
}

// readLine starts at most one outstanding read. A read abandoned by a
// cancelled prompt is handed to the next one.
func (t *Terminal) readLine() <-chan lineResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lines != nil {
		return t.lines
	}
	lines := make(chan lineResult, 1)
	t.lines = lines
	go func() {
		line, err := t.reader.ReadString('\n')
		lines <- lineResult{line: line, err: err}
	}()
	return lines
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
