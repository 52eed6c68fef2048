package output

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression formats accepted by Compress.
var Compressions = []string{"gzip", "zstd", "lz4"}

// compressionWriter returns the writer and file extension for compressionType.
func compressionWriter(w io.Writer, compressionType string) (io.WriteCloser, string, error) {
	switch compressionType {
	case "gzip":
		return gzip.NewWriter(w), ".gz", nil
	case "zstd":
		zw, err := zstd.NewWriter(w)
		return zw, ".zst", err
	case "lz4":
		return lz4.NewWriter(w), ".lz4", nil
	default:
		return nil, "", fmt.Errorf("unsupported compression type: %s", compressionType)
	}
}

// CompressionReader is the inverse of Compress for the given extension.
func CompressionReader(r io.Reader, ext string) (io.ReadCloser, error) {
	switch ext {
	case ".gz", ".gzip":
		return gzip.NewReader(r)
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case ".lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression extension: %s", ext)
	}
}

// ValidCompression reports whether c names a supported format.
func ValidCompression(c string) bool {
	_, _, err := compressionWriter(io.Discard, c)
	return err == nil
}

// Compress streams the artifact into a sibling file compressed with
// compressionType and returns that file's path. The original is kept.
func (f *File) Compress(compressionType string) (path string, err error) {
	in, err := os.Open(f.Path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer in.Close()

	_, ext, err := compressionWriter(io.Discard, compressionType)
	if err != nil {
		return "", err
	}
	path = f.Path + ext
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	cw, _, err := compressionWriter(out, compressionType)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(cw, in); err != nil {
		cw.Close()
		return "", fmt.Errorf("compress %s: %w", f.Path, err)
	}
	if err := cw.Close(); err != nil {
		return "", fmt.Errorf("finish %s: %w", path, err)
	}
	return path, nil
}
