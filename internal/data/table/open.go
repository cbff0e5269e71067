// Package table reads the delimited text inputs of an analysis: expression
// matrices, gene-set lists, sample annotations and QC sample lists.
package table

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// readCloser closes a decoder and the file under it.
type readCloser struct {
	io.Reader
	closers []func() error
}

func (r *readCloser) Close() error {
	var err error
	for _, c := range r.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Open returns a reader over path, decompressing gzip and zstd transparently.
// The compression is detected from the magic bytes, not the extension.
func Open(path string) (io.ReadCloser, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(fh)
	head, _ := br.Peek(len(zstdMagic))

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gr, err := gzip.NewReader(br)
		if err != nil {
			_ = fh.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		return &readCloser{Reader: gr, closers: []func() error{gr.Close, fh.Close}}, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			_ = fh.Close()
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		return &readCloser{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			fh.Close,
		}}, nil
	}
	return &readCloser{Reader: br, closers: []func() error{fh.Close}}, nil
}

// Delimiter picks the field separator from the file name: comma for .csv,
// tab otherwise. Compression suffixes are ignored.
func Delimiter(path string) rune {
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range []string{".gz", ".zst", ".zstd"} {
		name = strings.TrimSuffix(name, ext)
	}
	if strings.HasSuffix(name, ".csv") {
		return ','
	}
	return '\t'
}
