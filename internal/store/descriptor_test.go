package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func TestMemoryDescriptorStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryDescriptorStore(
		Descriptor{ID: "openai", DisplayName: "OpenAI", Enabled: true, Priority: 80},
		Descriptor{ID: "groq", DisplayName: "Groq", Enabled: false, Priority: 50},
	)
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "groq", all[0].ID) // sorted by id

	d, err := s.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, 80, d.Priority)

	require.NoError(t, s.Update(ctx, "groq", Patch{Enabled: boolPtr(true), Priority: intPtr(60)}))
	d, err = s.Get(ctx, "groq")
	require.NoError(t, err)
	assert.True(t, d.Enabled)
	assert.Equal(t, 60, d.Priority)

	err = s.Update(ctx, "groq", Patch{Priority: intPtr(200)})
	assert.Error(t, err)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrDescriptorNotFound)
}

func TestMemoryDescriptorStoreValidation(t *testing.T) {
	_, err := NewMemoryDescriptorStore(Descriptor{ID: "", Priority: 10})
	assert.Error(t, err)

	_, err = NewMemoryDescriptorStore(Descriptor{ID: "p", Priority: 101})
	assert.Error(t, err)
}

const descriptorYAML = `providers:
  - id: openai
    display_name: OpenAI
    enabled: true
    priority: 80
  - id: groq
    display_name: Groq
    enabled: false
    priority: 50
`

func writeDescriptorFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileDescriptorStoreLoad(t *testing.T) {
	ctx := context.Background()
	path := writeDescriptorFile(t, descriptorYAML)

	s, err := NewFileDescriptorStore(path, slog.Default())
	require.NoError(t, err)
	defer s.Close()

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	d, err := s.Get(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, d.Enabled)
	assert.Equal(t, 80, d.Priority)
}

func TestFileDescriptorStoreUpdatePersists(t *testing.T) {
	ctx := context.Background()
	path := writeDescriptorFile(t, descriptorYAML)

	s, err := NewFileDescriptorStore(path, slog.Default())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Update(ctx, "groq", Patch{Enabled: boolPtr(true)}))

	// A fresh store over the same file sees the update.
	s2, err := NewFileDescriptorStore(path, slog.Default())
	require.NoError(t, err)
	defer s2.Close()
	d, err := s2.Get(ctx, "groq")
	require.NoError(t, err)
	assert.True(t, d.Enabled)
}

func TestFileDescriptorStoreHotReload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := writeDescriptorFile(t, descriptorYAML)

	s, err := NewFileDescriptorStore(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Watch(ctx))

	updated := `providers:
  - id: openai
    display_name: OpenAI
    enabled: false
    priority: 10
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		d, err := s.Get(ctx, "openai")
		if err != nil {
			return false
		}
		return !d.Enabled && d.Priority == 10
	}, 3*time.Second, 50*time.Millisecond, "reload should pick up the edit")
}

func TestFileDescriptorStoreBadReloadKeepsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := writeDescriptorFile(t, descriptorYAML)

	s, err := NewFileDescriptorStore(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("providers: [not: valid: yaml"), 0o644))

	// Give the debounce a chance to fire, then verify nothing was lost.
	time.Sleep(500 * time.Millisecond)
	d, err := s.Get(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, d.Enabled)
}
