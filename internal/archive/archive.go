// Package archive packages build outputs into deterministic tarballs.
//
// Two formats are supported: gzip (tar.gz) and zstd (tar.zst), both through
// klauspost/compress. Identical input always yields byte-identical output so
// that asset digests are stable across re-publishes.
package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format names an archive format by its file extension.
type Format string

const (
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
)

// ParseFormat validates a configured format name. An empty name selects tar.gz.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatTarGz:
		return FormatTarGz, nil
	case FormatTarZst:
		return FormatTarZst, nil
	}
	return "", fmt.Errorf("unsupported archive format %q (want %q or %q)", s, FormatTarGz, FormatTarZst)
}

// Compressor turns a single binary into a packaged archive.
type Compressor interface {
	// Ext is the file extension of produced archives, without a leading dot.
	Ext() string
	// Archive packs blob as a single entry named filename.
	Archive(blob []byte, filename string) ([]byte, error)
}

// Tar is the default Compressor.
type Tar struct {
	format Format
}

var _ Compressor = Tar{}

// New returns a Compressor for the given format.
func New(format Format) Tar {
	if format == "" {
		format = FormatTarGz
	}
	return Tar{format: format}
}

// Ext implements Compressor.
func (t Tar) Ext() string {
	return string(t.format)
}

// Archive implements Compressor.
func (t Tar) Archive(blob []byte, filename string) ([]byte, error) {
	return pack(t.format, []entry{{name: filename, mode: 0o755, data: blob}})
}

func compressWriter(format Format, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case FormatTarGz:
		// Header fields are left zero: no name, no mtime.
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case FormatTarZst:
		return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}

func decompressReader(format Format, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case FormatTarGz:
		return gzip.NewReader(r)
	case FormatTarZst:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}
