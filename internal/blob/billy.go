package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"

	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
)

const (
	tmpPrefix   = ".tmp-"
	claimSuffix = ".claim"

	// staleClaimAge is how long a claim may stay without its object before
	// another writer takes it over.
	staleClaimAge = time.Minute
)

// BillyStore stores objects as files on a billy.Filesystem.
//
// Writes go to a temporary file that is renamed into place. PutIfAbsent first
// creates an exclusive claim file next to the object, so the first writer
// wins across goroutines and, on osfs, across processes.
type BillyStore struct {
	fs billy.Filesystem
	// mu serializes access for filesystems that are not safe for concurrent
	// use, such as memfs.
	mu  sync.RWMutex
	now func() time.Time
}

// NewBillyStore wraps fs.
func NewBillyStore(fs billy.Filesystem) *BillyStore {
	return &BillyStore{fs: fs, now: time.Now}
}

// NewLocalStore stores objects under dir on the local disk.
func NewLocalStore(dir string) (*BillyStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create %q: %w", dir, err)
	}
	return NewBillyStore(osfs.New(dir)), nil
}

// NewMemoryStore returns a store backed by an in-memory filesystem.
func NewMemoryStore() *BillyStore {
	return NewBillyStore(memfs.New())
}

var _ Store = (*BillyStore)(nil)

func (b *BillyStore) filename(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != strings.TrimPrefix(key, "/") {
		return "", errs.Newf(errs.CodeInternal, "blob", "invalid key %q", key)
	}
	base := path.Base(clean)
	if strings.HasPrefix(base, tmpPrefix) || strings.HasSuffix(base, claimSuffix) {
		return "", errs.Newf(errs.CodeInternal, "blob", "reserved key %q", key)
	}
	return b.fs.Join(strings.Split(clean, "/")...), nil
}

// Get implements Store.
func (b *BillyStore) Get(ctx context.Context, key string) ([]byte, error) {
	name, err := b.filename(key)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, err := util.ReadFile(b.fs, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Newf(errs.CodeNotFound, "blob get", "%s", key)
		}
		return nil, errs.Transient("blob get "+key, err)
	}
	return data, nil
}

// Stat implements Store.
func (b *BillyStore) Stat(ctx context.Context, key string) (Info, error) {
	name, err := b.filename(key)
	if err != nil {
		return Info{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	fi, err := b.fs.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, errs.Newf(errs.CodeNotFound, "blob stat", "%s", key)
		}
		return Info{}, errs.Transient("blob stat "+key, err)
	}
	return Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Put implements Store.
func (b *BillyStore) Put(ctx context.Context, key string, data []byte) error {
	name, err := b.filename(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeAtomic(key, name, data)
}

// PutIfAbsent implements Store.
//
// A claim without its object belongs either to a writer that is still
// running or to one that died before publishing. Claims record when they
// were taken; one older than staleClaimAge, or one whose timestamp cannot be
// parsed, is removed and taken over. A fresh orphan claim is reported as
// transient so the caller retries once the other writer has finished.
func (b *BillyStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	name, err := b.filename(key)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if dir := path.Dir(name); dir != "." {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return false, errs.Transient("blob mkdir "+dir, err)
		}
	}

	claimed, err := b.claim(key, name)
	if err != nil {
		return false, err
	}
	if !claimed {
		if _, err := b.fs.Stat(name); err == nil {
			return false, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, errs.Transient("blob stat "+key, err)
		}
		if !b.claimIsStale(name + claimSuffix) {
			return false, errs.Transient("blob claim "+key, errClaimHeld)
		}
		ctxlog.FromContext(ctx).Warn("Taking over stale blob claim.", "key", key)
		if err := b.fs.Remove(name + claimSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, errs.Transient("blob claim "+key, err)
		}
		if claimed, err = b.claim(key, name); err != nil {
			return false, err
		}
		if !claimed {
			return false, errs.Transient("blob claim "+key, errClaimHeld)
		}
	}

	if err := b.writeAtomic(key, name, data); err != nil {
		// Release the claim so a later writer can try again.
		_ = b.fs.Remove(name + claimSuffix)
		return false, err
	}
	return true, nil
}

var errClaimHeld = errors.New("claimed by another writer that has not published yet")

// claim exclusively creates the claim file of name, stamped with the current
// time. It reports false if the claim already exists.
func (b *BillyStore) claim(key, name string) (bool, error) {
	f, err := b.fs.OpenFile(name+claimSuffix, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, errs.Transient("blob claim "+key, err)
	}
	_, werr := f.Write([]byte(b.now().UTC().Format(time.RFC3339Nano)))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = b.fs.Remove(name + claimSuffix)
		return false, errs.Transient("blob claim "+key, werr)
	}
	return true, nil
}

func (b *BillyStore) claimIsStale(claimName string) bool {
	raw, err := util.ReadFile(b.fs, claimName)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	taken, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return true
	}
	return b.now().Sub(taken) > staleClaimAge
}

// writeAtomic writes data to a temporary sibling and renames it over name.
// Callers must hold the write lock.
func (b *BillyStore) writeAtomic(key, name string, data []byte) error {
	dir := path.Dir(name)
	if dir != "." {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return errs.Transient("blob mkdir "+dir, err)
		}
	}
	tmp := b.fs.Join(dir, tmpPrefix+uuid.NewString())
	f, err := b.fs.Create(tmp)
	if err != nil {
		return errs.Transient("blob create "+key, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = b.fs.Remove(tmp)
		return errs.Transient("blob write "+key, err)
	}
	if err := f.Close(); err != nil {
		_ = b.fs.Remove(tmp)
		return errs.Transient("blob close "+key, err)
	}
	if err := b.fs.Rename(tmp, name); err != nil {
		_ = b.fs.Remove(tmp)
		return errs.Transient("blob rename "+key, err)
	}
	return nil
}

// List implements Store. Results are sorted by key.
func (b *BillyStore) List(ctx context.Context, prefix string) ([]Info, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	root := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		root = prefix[:i]
	}
	var out []Info
	if err := b.walk(root, prefix, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *BillyStore) walk(dir, prefix string, out *[]Info) error {
	readDir := "/"
	if dir != "" {
		readDir = b.fs.Join(strings.Split(dir, "/")...)
	}
	entries, err := b.fs.ReadDir(readDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errs.Transient("blob list "+prefix, err)
	}
	for _, fi := range entries {
		key := fi.Name()
		if dir != "" {
			key = dir + "/" + fi.Name()
		}
		if fi.IsDir() {
			if strings.HasPrefix(key+"/", prefix) || strings.HasPrefix(prefix, key+"/") {
				if err := b.walk(key, prefix, out); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(fi.Name(), tmpPrefix) || strings.HasSuffix(fi.Name(), claimSuffix) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			*out = append(*out, Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()})
		}
	}
	return nil
}
