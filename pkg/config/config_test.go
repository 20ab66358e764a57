package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

func (s *sample) Validate() error {
	if s.Limit < 0 {
		return os.ErrInvalid
	}
	return nil
}

func write(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "expanded")
	path := filepath.Join(t.TempDir(), "c.yaml")
	write(t, path, "name: ${SAMPLE_NAME}\nlimit: 3\n")

	var s sample
	require.NoError(t, Load(path, &s))
	assert.Equal(t, sample{Name: "expanded", Limit: 3}, s)
}

func TestLoad_RunsValidator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	write(t, path, "limit: -1\n")

	var s sample
	err := Load(path, &s)
	require.ErrorIs(t, err, os.ErrInvalid)
}

func TestLoad_Fallbacks(t *testing.T) {
	t.Setenv("SAMPLE_LIMIT", "")
	path := filepath.Join(t.TempDir(), "c.yaml")
	write(t, path, "name: ${SAMPLE_UNSET_NAME:-fallback}\nlimit: ${SAMPLE_LIMIT:-7}\n")

	var s sample
	require.NoError(t, Load(path, &s))
	assert.Equal(t, sample{Name: "fallback", Limit: 7}, s)

	t.Setenv("SAMPLE_LIMIT", "9")
	require.NoError(t, Load(path, &s))
	assert.Equal(t, 9, s.Limit)
}

func TestLoad_KeepsDefaultsAndRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.yaml")
	write(t, empty, "")
	s := sample{Name: "default", Limit: 1}
	require.NoError(t, Load(empty, &s))
	assert.Equal(t, sample{Name: "default", Limit: 1}, s)

	typo := filepath.Join(dir, "typo.yaml")
	write(t, typo, "nmae: oops\n")
	err := Load(typo, &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nmae")

	require.Error(t, Load(filepath.Join(dir, "missing.yaml"), &s))
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	defaults := func() *sample { return &sample{Name: "default", Limit: 2} }

	write(t, path, "name: b\n")
	next, err := Reload(path, defaults)
	require.NoError(t, err)
	assert.Equal(t, &sample{Name: "b", Limit: 2}, next)

	write(t, path, "limit: -1\n")
	next, err = Reload(path, defaults)
	require.ErrorIs(t, err, os.ErrInvalid)
	assert.Nil(t, next)
}

func TestWatch_CallsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	write(t, path, "name: a\n")

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func() { changed <- struct{}{} })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	write(t, filepath.Join(filepath.Dir(path), "other.yaml"), "ignored\n")
	write(t, path, "name: b\n")

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("onChange not called")
	}

	cancel()
	require.NoError(t, <-done)
}
