package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

type entry struct {
	name string
	mode int64
	dir  bool
	data []byte
}

// epoch is stamped on every entry so output does not depend on the clock.
var epoch = time.Unix(0, 0).UTC()

func pack(format Format, entries []entry) ([]byte, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var buf bytes.Buffer
	cw, err := compressWriter(format, &buf)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(cw)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    e.mode,
			ModTime: epoch,
			Format:  tar.FormatPAX,
		}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Name = strings.TrimSuffix(e.name, "/") + "/"
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.data))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header %s: %w", e.name, err)
		}
		if !e.dir {
			if _, err := tw.Write(e.data); err != nil {
				return nil, fmt.Errorf("write %s: %w", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := cw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Extract returns the regular files of an archive keyed by entry name.
// Entries that would escape the extraction root are rejected.
func Extract(format Format, data []byte) (map[string][]byte, error) {
	entries, err := unpack(format, data)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if !e.dir {
			files[e.name] = e.data
		}
	}
	return files, nil
}

func unpack(format Format, data []byte) ([]entry, error) {
	dr, err := decompressReader(format, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	var out []entry
	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		name := path.Clean(strings.TrimSuffix(hdr.Name, "/"))
		if name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return nil, fmt.Errorf("archive entry %q escapes root", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			out = append(out, entry{name: name, mode: hdr.Mode, dir: true})
		case tar.TypeReg:
			b, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
			}
			out = append(out, entry{name: name, mode: hdr.Mode, data: b})
		}
	}
}
