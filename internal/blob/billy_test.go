package blob

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/relgrid/internal/errs"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memfs": NewMemoryStore(),
		"osfs":  local,
	}
}

func TestPutGetStat(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "artifacts/app/A")
			assert.True(t, errs.Is(err, errs.CodeNotFound))
			_, err = s.Stat(ctx, "artifacts/app/A")
			assert.True(t, errs.Is(err, errs.CodeNotFound))

			require.NoError(t, s.Put(ctx, "artifacts/app/A", []byte("v1")))
			require.NoError(t, s.Put(ctx, "artifacts/app/A", []byte("v2")))

			data, err := s.Get(ctx, "artifacts/app/A")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(data))

			info, err := s.Stat(ctx, "artifacts/app/A")
			require.NoError(t, err)
			assert.Equal(t, int64(2), info.Size)
		})
	}
}

func TestPutIfAbsentFirstWriterWins(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, err := s.PutIfAbsent(ctx, "cache/deps-abc", []byte("first"))
			require.NoError(t, err)
			assert.True(t, created)

			created, err = s.PutIfAbsent(ctx, "cache/deps-abc", []byte("second"))
			require.NoError(t, err)
			assert.False(t, created)

			data, err := s.Get(ctx, "cache/deps-abc")
			require.NoError(t, err)
			assert.Equal(t, "first", string(data))
		})
	}
}

func TestPutIfAbsentConcurrent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					created, err := s.PutIfAbsent(ctx, "cache/race", []byte(fmt.Sprintf("writer-%02d", i)))
					assert.NoError(t, err)
					if created {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())

			data, err := s.Get(ctx, "cache/race")
			require.NoError(t, err)
			assert.Len(t, data, len("writer-00"))
		})
	}
}

func TestPutIfAbsentRecoversOrphanClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		claim       string
		wantCreated bool
		wantErr     errs.Code
	}{
		{name: "unreadable claim", claim: "", wantCreated: true},
		{name: "old claim", claim: now.Add(-time.Hour).Format(time.RFC3339Nano), wantCreated: true},
		{name: "fresh claim", claim: now.Add(-time.Second).Format(time.RFC3339Nano), wantErr: errs.CodeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fs := memfs.New()
			require.NoError(t, util.WriteFile(fs, "artifacts/p/pid/A.claim", []byte(tt.claim), 0o644))
			s := NewBillyStore(fs)
			s.now = func() time.Time { return now }

			created, err := s.PutIfAbsent(ctx, "artifacts/p/pid/A", []byte("elf"))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errs.Is(err, tt.wantErr))
				_, err = s.Get(ctx, "artifacts/p/pid/A")
				assert.True(t, errs.Is(err, errs.CodeNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCreated, created)

			data, err := s.Get(ctx, "artifacts/p/pid/A")
			require.NoError(t, err)
			assert.Equal(t, "elf", string(data))

			created, err = s.PutIfAbsent(ctx, "artifacts/p/pid/A", []byte("other"))
			require.NoError(t, err)
			assert.False(t, created)
		})
	}
}

func TestListByPrefix(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"cache/gomod-1", "cache/gomod-2", "cache/npm-1", "artifacts/app/A"} {
				_, err := s.PutIfAbsent(ctx, key, []byte(key))
				require.NoError(t, err)
			}

			infos, err := s.List(ctx, "cache/gomod-")
			require.NoError(t, err)
			var keys []string
			for _, info := range infos {
				keys = append(keys, info.Key)
			}
			assert.Equal(t, []string{"cache/gomod-1", "cache/gomod-2"}, keys, "claim and temp files are hidden")

			infos, err = s.List(ctx, "missing/")
			require.NoError(t, err)
			assert.Empty(t, infos)
		})
	}
}

func TestInvalidKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{"", "../escape", "a/../../b", "cache/x.claim", "cache/.tmp-1"} {
		assert.Error(t, s.Put(ctx, key, nil), key)
	}
}
