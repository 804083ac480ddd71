package compressor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("deduplicate all the things "), 100)
	compressed, err := Compress(data)
	if err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Errorf("repetitive data should shrink: %d -> %d", len(data), len(compressed))
	}

	decompressed, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("failed to decompress: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Errorf("round trip corrupted data")
	}
}

func TestCompressFile(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("0123456789"), 5000)
	src := filepath.Join(dir, "input")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	path, size, err := CompressFile(src)
	if err != nil {
		t.Fatalf("failed to compress file: %v", err)
	}
	defer os.Remove(path)

	if size >= int64(len(data)) {
		t.Errorf("repetitive file should shrink: %d -> %d", len(data), size)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open compressed file: %v", err)
	}
	defer f.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(NewDecompressingReader(f)); err != nil {
		t.Fatalf("failed to decompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Errorf("file round trip corrupted data")
	}
}
