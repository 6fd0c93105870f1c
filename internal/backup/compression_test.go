package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCompressionManagerGet(t *testing.T) {
	cm := NewCompressionManager(6)

	for _, algo := range []CompressionType{CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd} {
		t.Run(string(algo), func(t *testing.T) {
			c, err := cm.Get(algo)
			require.NoError(t, err)
			assert.Equal(t, algo, c.Algorithm())
		})
	}

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := cm.Get(CompressionType("brotli"))
		require.Error(t, err)
		assert.Equal(t, ErrorTypeConfig, TypeOf(err))
	})
}

func TestCompressionManagerAlgorithms(t *testing.T) {
	cm := NewCompressionManager(6)
	assert.Len(t, cm.Algorithms(), 4)
}

func TestCompressRoundTrip(t *testing.T) {
	content := strings.Repeat("INSERT INTO ciphers VALUES ('login', 'example.com');\n", 500)

	tests := []struct {
		name      string
		algorithm CompressionType
		ext       string
	}{
		{name: "gzip", algorithm: CompressionTypeGzip, ext: ".gz"},
		{name: "lz4", algorithm: CompressionTypeLZ4, ext: ".lz4"},
		{name: "zstd", algorithm: CompressionTypeZstd, ext: ".zst"},
	}

	cm := NewCompressionManager(6)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := writeTestFile(t, dir, "database-dump.sql", content)

			c, err := cm.Get(tt.algorithm)
			require.NoError(t, err)

			compressed, stats, err := c.Compress(src)
			require.NoError(t, err)
			assert.Equal(t, src+tt.ext, compressed)

			require.NotNil(t, stats)
			assert.Equal(t, int64(len(content)), stats.OriginalSize)
			assert.Greater(t, stats.CompressedSize, int64(0))
			assert.Less(t, stats.CompressionRatio, 1.0, "repetitive data should shrink")
			assert.Equal(t, tt.algorithm, stats.Algorithm)

			// Remove the original so decompression has to recreate it.
			require.NoError(t, os.Remove(src))

			restored, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, src, restored)

			data, err := os.ReadFile(restored)
			require.NoError(t, err)
			assert.Equal(t, content, string(data))
		})
	}
}

func TestNoneCompressorPassthrough(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "database.sqlite3", "not really a database")

	c := &NoneCompressor{}
	compressed, stats, err := c.Compress(src)
	require.NoError(t, err)
	assert.Equal(t, src, compressed)
	assert.Equal(t, 1.0, stats.CompressionRatio)
	assert.Equal(t, stats.OriginalSize, stats.CompressedSize)

	restored, err := c.Decompress(src)
	require.NoError(t, err)
	assert.Equal(t, src, restored)
}

func TestCompressMissingSource(t *testing.T) {
	c := NewGzipCompressor(6)
	_, _, err := c.Compress(filepath.Join(t.TempDir(), "absent.sql"))
	require.Error(t, err)
	assert.Equal(t, ErrorTypeArtifact, TypeOf(err))
}

func TestDecompressWrongSuffix(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "database-dump.sql", "plain")

	c := NewGzipCompressor(6)
	_, err := c.Decompress(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suffix")
}

func TestDecompressCorruptedInput(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		c    Compressor
		file string
	}{
		{name: "gzip", c: NewGzipCompressor(6), file: "bad.sql.gz"},
		{name: "zstd", c: NewZstdCompressor(3), file: "bad.sql.zst"},
		{name: "lz4", c: NewLZ4Compressor(1), file: "bad.sql.lz4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := writeTestFile(t, dir, tt.file, "this is not compressed data")
			_, err := tt.c.Decompress(src)
			assert.Error(t, err)
		})
	}
}

func TestCompressorLevelClamping(t *testing.T) {
	assert.Equal(t, 6, NewGzipCompressor(99).level)
	assert.Equal(t, 6, NewGzipCompressor(0).level)
	assert.Equal(t, 1, NewLZ4Compressor(-3).level)
	assert.Equal(t, 3, NewZstdCompressor(40).level)
	assert.Equal(t, 2, NewZstdCompressor(2).level)
}

func TestCompressionStats(t *testing.T) {
	stats := &CompressionStats{OriginalSize: 1000, CompressedSize: 250}
	assert.InDelta(t, 75.0, stats.SpaceSavedPercent(), 0.001)

	empty := &CompressionStats{}
	assert.Equal(t, 0.0, empty.SpaceSavedPercent())
	assert.Equal(t, 0.0, CalculateCompressionRatio(0, 10))
	assert.InDelta(t, 0.25, CalculateCompressionRatio(1000, 250), 0.001)
}

func BenchmarkGzipCompress(b *testing.B) {
	dir := b.TempDir()
	content := strings.Repeat("INSERT INTO ciphers VALUES ('login', 'example.com');\n", 2000)
	src := filepath.Join(dir, "bench.sql")
	if err := os.WriteFile(src, []byte(content), 0o600); err != nil {
		b.Fatal(err)
	}

	c := NewGzipCompressor(6)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst, _, err := c.Compress(src)
		if err != nil {
			b.Fatal(err)
		}
		os.Remove(dst)
	}
}

func BenchmarkZstdCompress(b *testing.B) {
	dir := b.TempDir()
	content := strings.Repeat("INSERT INTO ciphers VALUES ('login', 'example.com');\n", 2000)
	src := filepath.Join(dir, "bench.sql")
	if err := os.WriteFile(src, []byte(content), 0o600); err != nil {
		b.Fatal(err)
	}

	c := NewZstdCompressor(3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst, _, err := c.Compress(src)
		if err != nil {
			b.Fatal(err)
		}
		os.Remove(dst)
	}
}
