// storage_gorm_test.go: key/value store contract for memory and SQLite storage
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *GormStorage {
	t.Helper()
	s, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "storage.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKeyValueStores_Contract(t *testing.T) {
	stores := map[string]func(t *testing.T) KeyValueStore{
		"memory": func(*testing.T) KeyValueStore { return NewMemoryStorage() },
		"sqlite": func(t *testing.T) KeyValueStore { return openTestSQLite(t) },
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			_, ok, err := s.Get(ctx, "com.example.a", "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "com.example.a", "count", int64(3)))
			require.NoError(t, s.Set(ctx, "com.example.a", "prefs", map[string]any{"theme": "dark"}))
			require.NoError(t, s.Set(ctx, "com.example.b", "count", int64(9)))

			v, ok, err := s.Get(ctx, "com.example.a", "count")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(3), v)

			v, _, err = s.Get(ctx, "com.example.a", "prefs")
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"theme": "dark"}, v)

			require.NoError(t, s.Set(ctx, "com.example.a", "count", int64(4)), "set overwrites")
			v, _, _ = s.Get(ctx, "com.example.a", "count")
			assert.Equal(t, int64(4), v)

			require.NoError(t, s.Delete(ctx, "com.example.a", "count"))
			_, ok, _ = s.Get(ctx, "com.example.a", "count")
			assert.False(t, ok)
			require.NoError(t, s.Delete(ctx, "com.example.a", "count"), "deleting a missing key is not an error")

			v, ok, _ = s.Get(ctx, "com.example.b", "count")
			assert.True(t, ok, "plugins are isolated")
			assert.Equal(t, int64(9), v)
		})
	}
}

func TestGormStorage_NormalizesAndListsKeys(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "com.example.a", "zeta", 7))
	require.NoError(t, s.Set(ctx, "com.example.a", "alpha", 1.5))
	require.NoError(t, s.Set(ctx, "com.example.a", "list", []any{1, "two", nil}))

	v, _, err := s.Get(ctx, "com.example.a", "zeta")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v, "integers come back as int64")
	v, _, _ = s.Get(ctx, "com.example.a", "alpha")
	assert.Equal(t, 1.5, v)
	v, _, _ = s.Get(ctx, "com.example.a", "list")
	assert.Equal(t, []any{int64(1), "two", nil}, v)

	keys, err := s.Keys(ctx, "com.example.a")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "list", "zeta"}, keys)

	keys, err = s.Keys(ctx, "com.example.none")
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = s.Set(ctx, "com.example.a", "bad", func() {})
	assert.Equal(t, ErrCodeHostServiceFailed, ErrorCodeOf(err))
}
