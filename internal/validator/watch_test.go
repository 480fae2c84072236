package validator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

func moonItem() *knowledge.KnowledgeItem {
	item := rsiItem()
	item.Content = rsiBasics + " This coin is going to the moon."
	return item
}

func TestSetRules_RejectsInvalid(t *testing.T) {
	v, _, _ := newTestValidator(t, knowledge.NewMemoryRepository())
	before := v.rules.Load()

	err := v.SetRules(Rules{Harmful: []string{"(unclosed"}})
	assert.Error(t, err)
	assert.Same(t, before, v.rules.Load(), "failed compile keeps current rules")
}

func TestReloadRules(t *testing.T) {
	v, _, _ := newTestValidator(t, knowledge.NewMemoryRepository())
	ctx := context.Background()
	assert.False(t, v.Evaluate(ctx, moonItem()).Spam)

	path := writeRules(t, `spam = ['(?i)\bto the moon\b']`)
	require.NoError(t, v.ReloadRules(path))
	assert.True(t, v.Evaluate(ctx, moonItem()).Spam)

	assert.Error(t, v.ReloadRules(path+".missing"))
	assert.True(t, v.Evaluate(ctx, moonItem()).Spam)
}

func TestWatchRules_ReloadsOnWrite(t *testing.T) {
	v, _, logger := newTestValidator(t, knowledge.NewMemoryRepository())
	path := writeRules(t, `spam = []`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rw, err := v.WatchRules(ctx, path)
	require.NoError(t, err)
	defer rw.Close()

	assert.False(t, v.Evaluate(ctx, moonItem()).Spam)

	require.NoError(t, os.WriteFile(path, []byte(`spam = ['(?i)\bto the moon\b']`), 0o600))
	require.Eventually(t, func() bool {
		return v.Evaluate(ctx, moonItem()).Spam
	}, 5*time.Second, 20*time.Millisecond)
	logger.AssertLogged(t, zapcore.InfoLevel, "validation rules reloaded")
}

func TestWatchRules_BadEditKeepsRules(t *testing.T) {
	v, _, logger := newTestValidator(t, knowledge.NewMemoryRepository())
	path := writeRules(t, `spam = ['(?i)\bto the moon\b']`)
	require.NoError(t, v.ReloadRules(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rw, err := v.WatchRules(ctx, path)
	require.NoError(t, err)
	defer rw.Close()

	require.NoError(t, os.WriteFile(path, []byte(`harmful = ['(unclosed']`), 0o600))
	require.Eventually(t, func() bool {
		return logger.Count("rules reload failed") > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, v.Evaluate(ctx, moonItem()).Spam)
}

func TestWatchRules_MissingDirectory(t *testing.T) {
	v, _, _ := newTestValidator(t, knowledge.NewMemoryRepository())
	_, err := v.WatchRules(context.Background(), "/nonexistent/curator/rules.toml")
	assert.Error(t, err)
}
