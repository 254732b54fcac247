package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"awgateway/pkg/address"
)

var _ Store = &Dir{}

// Dir stores each piece of content in a file named by its hex address.
type Dir struct {
	fs   afero.Fs
	root string
}

func NewDir(fs afero.Fs, root string) (*Dir, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("could not create content directory: %w", err)
	}
	return &Dir{fs: fs, root: root}, nil
}

func (d *Dir) Name() string {
	return "dir"
}

func (d *Dir) path(addr address.ContentAddress) string {
	return filepath.Join(d.root, addr.String())
}

func (d *Dir) Get(ctx context.Context, addr address.ContentAddress) ([]byte, error) {
	b, err := afero.ReadFile(d.fs, d.path(addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("content with address %s not found", addr))
	}
	if err != nil {
		return nil, err
	}
	if err := addr.Verify(b); err != nil {
		return nil, fmt.Errorf("stored content is corrupt: %w", err)
	}
	return b, nil
}

// Put writes to a uniquely named temporary file first so that neither readers
// nor concurrent writers of the same content observe partial content.
func (d *Dir) Put(ctx context.Context, data []byte) (address.ContentAddress, error) {
	addr, err := address.Sum(data)
	if err != nil {
		return address.ContentAddress{}, err
	}
	dst := d.path(addr)
	ok, err := afero.Exists(d.fs, dst)
	if err != nil {
		return address.ContentAddress{}, err
	}
	if ok {
		return addr, nil
	}

	f, err := afero.TempFile(d.fs, d.root, addr.String()+".tmp-*")
	if err != nil {
		return address.ContentAddress{}, fmt.Errorf("create tmp: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = d.fs.Remove(tmp)
		return address.ContentAddress{}, fmt.Errorf("write content: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = d.fs.Remove(tmp)
		return address.ContentAddress{}, fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = d.fs.Remove(tmp)
		return address.ContentAddress{}, fmt.Errorf("close: %w", err)
	}
	if err := d.fs.Rename(tmp, dst); err != nil {
		_ = d.fs.Remove(tmp)
		// A concurrent Put of the same content committed first.
		if ok, _ := afero.Exists(d.fs, dst); ok {
			return addr, nil
		}
		return address.ContentAddress{}, fmt.Errorf("rename: %w", err)
	}
	return addr, nil
}

func (d *Dir) Has(ctx context.Context, addr address.ContentAddress) (bool, error) {
	return afero.Exists(d.fs, d.path(addr))
}

// List skips entries that are not named by an address, such as temporary files.
func (d *Dir) List(ctx context.Context) ([]address.ContentAddress, error) {
	entries, err := afero.ReadDir(d.fs, d.root)
	if err != nil {
		return nil, err
	}
	addrs := []address.ContentAddress{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		addr, err := address.Parse(entry.Name())
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
