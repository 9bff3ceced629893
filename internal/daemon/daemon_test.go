package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWithEmptyDeclDir(t *testing.T) {
	d, err := New(Config{
		DeclDir:       t.TempDir(),
		ControlSocket: filepath.Join(t.TempDir(), "opinit.sock"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, d.table.Len()) // kernel pseudo-component only
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d, err := New(Config{
		DeclDir:       t.TempDir(),
		ControlSocket: filepath.Join(t.TempDir(), "opinit.sock"),
		ShutdownWait:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = d.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
