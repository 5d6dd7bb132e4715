package prompt

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/localsave/internal/faults"
)

func TestTerminalPickAndConfirm(t *testing.T) {
	var out bytes.Buffer
	tty := NewTerminal(strings.NewReader("/srv/data\nyes\nn\n"), &out)
	require.True(t, tty.Interactive())

	path, err := tty.PickLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", path)
	assert.Contains(t, out.String(), "Directory")

	ok, err := tty.ConfirmGrant(context.Background(), "/srv/data")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "/srv/data? [y/N]")

	ok, err = tty.ConfirmGrant(context.Background(), "/srv/data")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tty.PickLocation(context.Background())
	require.ErrorIs(t, err, faults.ErrPromptDismissed, "EOF dismisses")
}

func TestTerminalEmptyAnswerDismisses(t *testing.T) {
	tty := NewTerminal(strings.NewReader("\n"), io.Discard)
	_, err := tty.PickLocation(context.Background())
	require.ErrorIs(t, err, faults.ErrPromptDismissed)
}

func TestTerminalExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tty := NewTerminal(strings.NewReader("~/localsave\n"), io.Discard)
	path, err := tty.PickLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "localsave"), path)
}

func TestTerminalCancelledPrompt(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	tty := NewTerminal(r, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tty.PickLocation(ctx)
	require.ErrorIs(t, err, faults.ErrCancelled)

	go func() { _, _ = io.WriteString(w, "/late\n") }()
	path, err := tty.PickLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/late", path, "the abandoned read is reused")
}

func TestNonTerminalFileDismisses(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()
	tty := NewTerminal(f, io.Discard)
	assert.False(t, tty.Interactive())
	ok, err := tty.ConfirmGrant(context.Background(), "/x")
	assert.False(t, ok)
	require.ErrorIs(t, err, faults.ErrPromptDismissed)
}

func TestContextPickerPrefersRequestPath(t *testing.T) {
	picker := FromContext(Static("/fallback"))
	path, err := picker.PickLocation(WithPath(context.Background(), "/from/request"))
	require.NoError(t, err)
	assert.Equal(t, "/from/request", path)

	path, err = picker.PickLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/fallback", path)

	_, err = FromContext(nil).PickLocation(context.Background())
	require.ErrorIs(t, err, faults.ErrPromptDismissed)
	_, err = Static("").PickLocation(context.Background())
	require.ErrorIs(t, err, faults.ErrInvalidInput)
}

func TestApproveAndDecline(t *testing.T) {
	ok, err := Approve{}.ConfirmGrant(context.Background(), "/x")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = Decline{}.ConfirmGrant(context.Background(), "/x")
	require.NoError(t, err)
	assert.False(t, ok)
}
