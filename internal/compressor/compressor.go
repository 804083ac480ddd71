package compressor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

// CompressFile writes an LZ4-framed copy of the file at path to a sibling
// temp file and returns the temp path and compressed size. The input file is
// streamed, never loaded whole.
func CompressFile(path string) (string, int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	// Sibling of the input so a later rename stays on one filesystem.
	out, err := os.CreateTemp(filepath.Dir(path), ".lz4-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create output: %w", err)
	}

	zw := lz4.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", 0, fmt.Errorf("compression failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", 0, fmt.Errorf("compression failed: %w", err)
	}

	size, err := out.Seek(0, io.SeekEnd)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", 0, fmt.Errorf("failed to finalize output: %w", err)
	}
	return out.Name(), size, nil
}

// NewDecompressingReader wraps r with streaming LZ4 decompression.
func NewDecompressingReader(r io.Reader) io.Reader {
	return lz4.NewReader(r)
}

// Compress LZ4-frames data in memory.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %v", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, fmt.Errorf("decompression failed: %v", err)
	}
	return buf.Bytes(), nil
}
