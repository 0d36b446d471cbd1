package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portability/internal/domain"
	"portability/internal/registry"
	"portability/internal/storage"
)

type memStore struct {
	objects map[string][]byte
	fail    error
}

func (m *memStore) Put(_ context.Context, name string, r io.Reader) (string, error) {
	if m.fail != nil {
		return "", m.fail
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[name] = data
	return "mem://" + name, nil
}

func staticRegistry(doc registry.Document) registry.Registry {
	return registry.Func(func(context.Context, domain.Owner) (registry.Document, error) {
		return doc, nil
	})
}

func TestBuildProducesSingleEntryArchive(t *testing.T) {
	scratch := t.TempDir()
	store := &memStore{}
	b := Builder{
		Registry:   staticRegistry(registry.Document{"profile": map[string]string{"email": "a@example.org"}}),
		Store:      store,
		ScratchDir: scratch,
		NewToken:   func() string { return "tok" },
	}
	req := domain.Request{ID: "req-1", Owner: domain.Owner{Type: "user", ID: "u1"}}

	art, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tok.zip", art.Name)
	assert.Equal(t, "mem://tok.zip", art.Ref)
	assert.Equal(t, "req-1.json", art.Entry)

	entries, err := ReadEntries(store.objects["tok.zip"])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(entries["req-1.json"], &doc))
	assert.Contains(t, doc, "profile")

	left, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, left, "scratch files must be removed")
}

func TestBuildCleansUpOnUploadFailure(t *testing.T) {
	scratch := t.TempDir()
	b := Builder{
		Registry:   staticRegistry(registry.Document{}),
		Store:      &memStore{fail: errors.New("bucket offline")},
		ScratchDir: scratch,
	}
	_, err := b.Build(context.Background(), domain.Request{ID: "req-2"})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "upload", be.Stage)

	left, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBuildReportsDumpFailure(t *testing.T) {
	boom := errors.New("profile service down")
	b := Builder{
		Registry: registry.Func(func(context.Context, domain.Owner) (registry.Document, error) {
			return nil, boom
		}),
		Store:      &memStore{},
		ScratchDir: t.TempDir(),
	}
	_, err := b.Build(context.Background(), domain.Request{ID: "req-3"})
	require.ErrorIs(t, err, boom)
}

func TestBuildTokensAreUnique(t *testing.T) {
	store := storage.New(filepath.Join(t.TempDir(), "artifacts"))
	b := Builder{Registry: staticRegistry(registry.Document{"k": "v"}), Store: store, ScratchDir: t.TempDir()}
	req := domain.Request{ID: "req-4"}

	first, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Ref, second.Ref)

	data, err := store.Get(context.Background(), first.Ref)
	require.NoError(t, err)
	entries, err := ReadEntries(data)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(entries["req-4.json"], []byte(`"k"`)))
}
