package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	dir := t.TempDir()
	return NewFileStore(dir, zap.NewNop()), dir
}

func TestFileStore_LoadMissingFileGeneratesID(t *testing.T) {
	store, dir := newTestStore(t)

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, rec.PersistenceID, 36)
	assert.False(t, rec.HasToken())

	// The generated id was written through
	data, err := os.ReadFile(filepath.Join(dir, DataFileName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"persistence_uuid":"`+rec.PersistenceID+`"}`, string(data))

	again, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, rec.PersistenceID, again.PersistenceID)
}

func TestFileStore_LoadCorruptFileRegenerates(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DataFileName), []byte("{not json"), 0o600))

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, rec.PersistenceID, 36)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestFileStore_LoadKeepsTokenWhenIDMissing(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DataFileName),
		[]byte(`{"access_token":"abc","expires_in":600}`), 0o600))

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, rec.PersistenceID, 36)
	assert.Equal(t, "abc", rec.Token())
	require.NotNil(t, rec.ExpiresIn)
	assert.Equal(t, int64(600), *rec.ExpiresIn)
}

func TestFileStore_RoundTripPreservesOptionalFields(t *testing.T) {
	tokenType := "Bearer"
	scope := "openid"

	tests := []struct {
		name string
		rec  Record
	}{
		{
			name: "id only",
			rec:  Record{PersistenceID: "0b6f7f3c-4c1e-4d0e-9d57-3a8f3f0f2a11"},
		},
		{
			name: "minimal token",
			rec: NewRecord().WithToken(Token{
				AccessToken: "tok",
				ExpiresIn:   100,
				RequestedAt: 1700000000,
			}),
		},
		{
			name: "maximal token",
			rec: NewRecord().WithToken(Token{
				AccessToken: "tok",
				ExpiresIn:   0,
				RequestedAt: 1700000000,
				TokenType:   &tokenType,
				Scope:       &scope,
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			require.NoError(t, store.Save(tt.rec))

			loaded, err := store.Load()
			require.NoError(t, err)
			assert.Equal(t, tt.rec, loaded)
		})
	}
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, store.Save(NewRecord()))
	require.NoError(t, store.Save(NewRecord()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DataFileName, entries[0].Name())
}

func TestFileStore_SaveCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	store := NewFileStore(dir, zap.NewNop())

	require.NoError(t, store.Save(NewRecord()))
	_, err := os.Stat(filepath.Join(dir, DataFileName))
	assert.NoError(t, err)
}

func TestRecord_WithTokenKeepsPreviousTypeAndScope(t *testing.T) {
	tokenType := "Bearer"
	scope := "openid profile"

	first := NewRecord().WithToken(Token{
		AccessToken: "first",
		ExpiresIn:   600,
		RequestedAt: 10,
		TokenType:   &tokenType,
		Scope:       &scope,
	})
	second := first.WithToken(Token{AccessToken: "second", ExpiresIn: 300, RequestedAt: 20})

	assert.Equal(t, "second", second.Token())
	assert.Equal(t, int64(300), *second.ExpiresIn)
	assert.Equal(t, int64(20), *second.RequestedAt)
	require.NotNil(t, second.TokenType)
	assert.Equal(t, "Bearer", *second.TokenType)
	assert.Equal(t, "openid profile", *second.Scope)

	// The source record is not aliased
	assert.Equal(t, "first", first.Token())
	assert.Equal(t, first.PersistenceID, second.PersistenceID)
}
