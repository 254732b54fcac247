package store

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"awgateway/pkg/address"
)

func TestStores(t *testing.T) {
	t.Parallel()

	dir, err := NewDir(afero.NewMemMapFs(), "/data/content")
	require.NoError(t, err)

	for _, s := range []Store{NewMemory(), dir} {
		t.Run(s.Name(), func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			data := []byte("hello world")
			missing, err := address.Sum([]byte("missing"))
			require.NoError(t, err)

			_, err = s.Get(ctx, missing)
			require.ErrorIs(t, err, ErrNotFound)
			ok, err := s.Has(ctx, missing)
			require.NoError(t, err)
			require.False(t, ok)

			addr, err := s.Put(ctx, data)
			require.NoError(t, err)
			require.NoError(t, addr.Verify(data))

			again, err := s.Put(ctx, data)
			require.NoError(t, err)
			require.Equal(t, addr, again)

			b, err := s.Get(ctx, addr)
			require.NoError(t, err)
			require.Equal(t, data, b)
			ok, err = s.Has(ctx, addr)
			require.NoError(t, err)
			require.True(t, ok)

			addrs, err := s.List(ctx)
			require.NoError(t, err)
			require.Equal(t, []address.ContentAddress{addr}, addrs)
		})
	}
}

func TestDirSkipsForeignFiles(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	dir, err := NewDir(fs, "/content")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/content/notes.txt", []byte("x"), 0o644))
	require.NoError(t, fs.MkdirAll("/content/sub", 0o755))

	addrs, err := dir.List(t.Context())
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestDirConcurrentPut(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fs   afero.Fs
		root string
	}{
		{
			name: "memory",
			fs:   afero.NewMemMapFs(),
			root: "/content",
		},
		{
			name: "os",
			fs:   afero.NewOsFs(),
			root: filepath.Join(t.TempDir(), "content"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir, err := NewDir(tt.fs, tt.root)
			require.NoError(t, err)
			data := bytes.Repeat([]byte("0123456789abcdef"), 64<<10)
			expected, err := address.Sum(data)
			require.NoError(t, err)

			for range 20 {
				var wg sync.WaitGroup
				errCh := make(chan error, 8)
				for range 8 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						addr, err := dir.Put(t.Context(), data)
						if err != nil {
							errCh <- err
							return
						}
						_, err = dir.Get(t.Context(), addr)
						errCh <- err
					}()
				}
				wg.Wait()
				close(errCh)
				for err := range errCh {
					require.NoError(t, err)
				}
				b, err := dir.Get(t.Context(), expected)
				require.NoError(t, err)
				require.Equal(t, data, b)
				require.NoError(t, tt.fs.Remove(dir.path(expected)))
			}

			entries, err := afero.ReadDir(tt.fs, tt.root)
			require.NoError(t, err)
			require.Empty(t, entries, "temporary files are cleaned up")
		})
	}
}

func TestDirDetectsCorruption(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	dir, err := NewDir(fs, "/content")
	require.NoError(t, err)
	addr, err := dir.Put(t.Context(), []byte("genuine content"))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/content", addr.String()), []byte("tampered"), 0o644))

	_, err = dir.Get(t.Context(), addr)
	require.ErrorContains(t, err, "stored content is corrupt")
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	data := []byte("abc")
	addr, err := m.Put(t.Context(), data)
	require.NoError(t, err)
	data[0] = 'x'

	b, err := m.Get(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), b)
	b[0] = 'y'

	b, err = m.Get(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), b)
}

func TestCache(t *testing.T) {
	t.Parallel()

	_, err := NewCache(0)
	require.Error(t, err)

	c, err := NewCache(2)
	require.NoError(t, err)
	a1 := address.MustParse("0101010101010101010101010101010101010101010101010101010101010101")
	a2 := address.MustParse("0202020202020202020202020202020202020202020202020202020202020202")
	a3 := address.MustParse("0303030303030303030303030303030303030303030303030303030303030303")

	c.Add(a1, []byte("1"))
	c.Add(a2, []byte("2"))
	_, ok := c.Get(a1)
	require.True(t, ok)
	c.Add(a3, []byte("3"))

	_, ok = c.Get(a2)
	require.False(t, ok, "least recently used entry is evicted")
	b, ok := c.Get(a1)
	require.True(t, ok)
	require.Equal(t, []byte("1"), b)
	require.Equal(t, 2, c.Len())
}
