package ruleset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const oneDecision = "decisions:\n  - key: a\n    strategy: boolean\n    condition: {flag: a}\n"

const twoDecisions = oneDecision + "  - key: b\n    strategy: boolean\n    condition: {flag: b}\n"

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(oneDecision), 0o600))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	require.Len(t, w.Decisions(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, os.WriteFile(path, []byte(twoDecisions), 0o600))

	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	assert.Eventually(t, func() bool { return len(w.Decisions()) == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	_, ok := <-w.Changes()
	assert.False(t, ok, "changes channel closes when Run returns")
}

func TestWatcherKeepsPreviousOnBadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(oneDecision), 0o600))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("decisions: [{key: '!!', strategy: boolean}]"), 0o600))
	assert.Error(t, w.reload())
	assert.Len(t, w.Decisions(), 1)
}

func TestNewWatcherRequiresValidInitialDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("decisions: [{key: a}]"), 0o600))

	_, err := NewWatcher(path)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}
