package archive

import (
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// PackDir archives the tree under root of fs. A missing root packs to an
// empty archive.
func PackDir(fs billy.Filesystem, root string, format Format) ([]byte, error) {
	var entries []entry
	err := util.Walk(fs, root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return nil
			}
			return err
		}
		rel, ok := relative(root, p)
		if !ok {
			return nil
		}
		if fi.IsDir() {
			entries = append(entries, entry{name: rel, mode: 0o755, dir: true})
			return nil
		}
		data, err := util.ReadFile(fs, p)
		if err != nil {
			return err
		}
		entries = append(entries, entry{name: rel, mode: int64(fi.Mode().Perm()), data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", root, err)
	}
	return pack(format, entries)
}

// UnpackDir extracts an archive produced by PackDir under root of fs,
// overwriting files that already exist.
func UnpackDir(fs billy.Filesystem, root string, format Format, data []byte) error {
	entries, err := unpack(format, data)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		target := fs.Join(root, e.name)
		if e.dir {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := fs.MkdirAll(path.Dir(target), 0o755); err != nil {
			return err
		}
		mode := os.FileMode(e.mode).Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := util.WriteFile(fs, target, e.data, mode); err != nil {
			return fmt.Errorf("unpack %s: %w", e.name, err)
		}
	}
	return nil
}

func relative(root, p string) (string, bool) {
	root = path.Clean("/" + root)
	p = path.Clean("/" + p)
	if p == root {
		return "", false
	}
	if root == "/" {
		return p[1:], true
	}
	if len(p) <= len(root)+1 || p[:len(root)+1] != root+"/" {
		return "", false
	}
	return p[len(root)+1:], true
}
