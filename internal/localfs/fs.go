// Package localfs is the file system collaborator the sync executor works
// against. Paths are logical, slash-separated and relative to the notes root.
package localfs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"notesync/internal/domain"
)

// FileSystem is what the executor needs from a local file store. FileInfo
// returns an error matching io/fs.ErrNotExist for a missing path.
type FileSystem interface {
	ReadFile(ctx context.Context, p string) ([]byte, error)
	WriteFile(ctx context.Context, p string, data []byte, mtime int64) error
	SetMtime(ctx context.Context, p string, mtime int64) error
	ReadDir(ctx context.Context, p string) ([]domain.FileInfo, error)
	FileInfo(ctx context.Context, p string) (domain.FileInfo, error)
	DeleteFile(ctx context.Context, p string) error
	Rename(ctx context.Context, from, to string) error
	Mkdir(ctx context.Context, p string) error
}

var ErrInvalidPath = errors.New("invalid path")

// Afero adapts an afero.Fs to FileSystem.
type Afero struct {
	fs afero.Fs
}

func New(fs afero.Fs) *Afero { return &Afero{fs: fs} }

// NewDisk confines all paths to root on the OS file system.
func NewDisk(root string) *Afero {
	return New(afero.NewBasePathFs(afero.NewOsFs(), root))
}

func NewMemory() *Afero { return New(afero.NewMemMapFs()) }

// Clean normalizes a logical path and rejects paths escaping the root.
func Clean(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	c := path.Clean("/" + p)
	if c == "/" {
		return "", nil
	}
	c = strings.TrimPrefix(c, "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return c, nil
}

func (a *Afero) name(p string) (string, error) {
	c, err := Clean(p)
	if err != nil {
		return "", err
	}
	return "/" + c, nil
}

func (a *Afero) ReadFile(ctx context.Context, p string) ([]byte, error) {
	name, err := a.name(p)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(a.fs, name)
}

// WriteFile replaces the content of p and stamps it with mtime (epoch ms).
func (a *Afero) WriteFile(ctx context.Context, p string, data []byte, mtime int64) error {
	name, err := a.name(p)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(a.fs, name, data, 0o644); err != nil {
		return err
	}
	t := time.UnixMilli(mtime)
	return a.fs.Chtimes(name, t, t)
}

// SetMtime restamps p without touching its content.
func (a *Afero) SetMtime(ctx context.Context, p string, mtime int64) error {
	name, err := a.name(p)
	if err != nil {
		return err
	}
	t := time.UnixMilli(mtime)
	return a.fs.Chtimes(name, t, t)
}

func (a *Afero) ReadDir(ctx context.Context, p string) ([]domain.FileInfo, error) {
	name, err := a.name(p)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(a.fs, name)
	if err != nil {
		return nil, err
	}
	dir, _ := Clean(p)
	out := make([]domain.FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, toInfo(path.Join(dir, e.Name()), e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (a *Afero) FileInfo(ctx context.Context, p string) (domain.FileInfo, error) {
	name, err := a.name(p)
	if err != nil {
		return domain.FileInfo{}, err
	}
	fi, err := a.fs.Stat(name)
	if err != nil {
		return domain.FileInfo{}, err
	}
	c, _ := Clean(p)
	return toInfo(c, fi), nil
}

func (a *Afero) DeleteFile(ctx context.Context, p string) error {
	name, err := a.name(p)
	if err != nil {
		return err
	}
	err = a.fs.Remove(name)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil
	}
	return err
}

func (a *Afero) Rename(ctx context.Context, from, to string) error {
	src, err := a.name(from)
	if err != nil {
		return err
	}
	dst, err := a.name(to)
	if err != nil {
		return err
	}
	return a.fs.Rename(src, dst)
}

func (a *Afero) Mkdir(ctx context.Context, p string) error {
	name, err := a.name(p)
	if err != nil {
		return err
	}
	return a.fs.MkdirAll(name, 0o755)
}

func toInfo(p string, fi os.FileInfo) domain.FileInfo {
	info := domain.FileInfo{
		Path:  p,
		Mtime: fi.ModTime().UnixMilli(),
		Size:  fi.Size(),
		Type:  domain.TypeFile,
	}
	if fi.IsDir() {
		info.Type = domain.TypeDir
		info.Size = 0
	}
	return info
}
