package backup

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionStats captures the outcome of a single compression pass.
type CompressionStats struct {
	OriginalSize     int64           `json:"original_size"`
	CompressedSize   int64           `json:"compressed_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	Algorithm        CompressionType `json:"algorithm"`
	Level            int             `json:"level"`
	Duration         time.Duration   `json:"duration"`
}

// CalculateCompressionRatio returns compressed size over original size.
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 0
	}
	return float64(compressedSize) / float64(originalSize)
}

// SpaceSavedPercent reports how much smaller the compressed file is.
func (s *CompressionStats) SpaceSavedPercent() float64 {
	if s.OriginalSize == 0 {
		return 0
	}
	return (1 - float64(s.CompressedSize)/float64(s.OriginalSize)) * 100
}

// CompressionManager hands out compressors by algorithm. All registered
// compressors share the level the manager was built with; each clamps it
// to its own valid range.
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager registers the supported compressors.
func NewCompressionManager(level int) *CompressionManager {
	cm := &CompressionManager{compressors: make(map[CompressionType]Compressor)}
	cm.Register(&NoneCompressor{})
	cm.Register(NewGzipCompressor(level))
	cm.Register(NewLZ4Compressor(level))
	cm.Register(NewZstdCompressor(level))
	return cm
}

// Register adds a compressor, replacing any previous one for the same
// algorithm.
func (cm *CompressionManager) Register(c Compressor) {
	cm.compressors[c.Algorithm()] = c
}

// Get returns the compressor for the given algorithm.
func (cm *CompressionManager) Get(algorithm CompressionType) (Compressor, error) {
	c, ok := cm.compressors[algorithm]
	if !ok {
		return nil, NewConfigError(fmt.Sprintf("no compressor registered for %q", algorithm), nil)
	}
	return c, nil
}

// Algorithms lists the registered compression algorithms.
func (cm *CompressionManager) Algorithms() []CompressionType {
	algos := make([]CompressionType, 0, len(cm.compressors))
	for algo := range cm.compressors {
		algos = append(algos, algo)
	}
	return algos
}

// NoneCompressor passes files through untouched. It exists so callers can
// treat "no compression" uniformly with the real algorithms.
type NoneCompressor struct{}

func (nc *NoneCompressor) Compress(src string) (string, *CompressionStats, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", nil, NewArtifactError("failed to stat source file", err).WithContext("source", src)
	}
	stats := &CompressionStats{
		OriginalSize:     info.Size(),
		CompressedSize:   info.Size(),
		CompressionRatio: 1,
		Algorithm:        CompressionTypeNone,
	}
	return src, stats, nil
}

func (nc *NoneCompressor) Decompress(src string) (string, error) {
	return src, nil
}

func (nc *NoneCompressor) Algorithm() CompressionType { return CompressionTypeNone }

func (nc *NoneCompressor) Extension() string { return "" }

// GzipCompressor compresses with the standard library gzip implementation.
type GzipCompressor struct {
	level int
}

// NewGzipCompressor clamps out-of-range levels to the gzip default.
func NewGzipCompressor(level int) *GzipCompressor {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = 6
	}
	return &GzipCompressor{level: level}
}

func (gc *GzipCompressor) Compress(src string) (string, *CompressionStats, error) {
	start := time.Now()
	dst := src + "." + gc.Extension()

	original, compressed, err := compressFile(src, dst, func(w io.Writer) (io.WriteCloser, error) {
		zw, err := gzip.NewWriterLevel(w, gc.level)
		if err != nil {
			return nil, err
		}
		return zw, nil
	})
	if err != nil {
		return "", nil, NewArtifactError("gzip compression failed", err).WithContext("source", src)
	}

	return dst, &CompressionStats{
		OriginalSize:     original,
		CompressedSize:   compressed,
		CompressionRatio: CalculateCompressionRatio(original, compressed),
		Algorithm:        CompressionTypeGzip,
		Level:            gc.level,
		Duration:         time.Since(start),
	}, nil
}

func (gc *GzipCompressor) Decompress(src string) (string, error) {
	dst, err := stripCompressionSuffix(src, gc.Extension())
	if err != nil {
		return "", err
	}
	err = decompressFile(src, dst, func(r io.Reader) (io.ReadCloser, error) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	})
	if err != nil {
		return "", NewArtifactError("gzip decompression failed", err).WithContext("source", src)
	}
	return dst, nil
}

func (gc *GzipCompressor) Algorithm() CompressionType { return CompressionTypeGzip }

func (gc *GzipCompressor) Extension() string { return CompressionTypeGzip.Extension() }

// LZ4Compressor favors speed. Levels above 6 switch to the high
// compression mode.
type LZ4Compressor struct {
	level int
}

func NewLZ4Compressor(level int) *LZ4Compressor {
	if level < 0 || level > 9 {
		level = 1
	}
	return &LZ4Compressor{level: level}
}

func (lc *LZ4Compressor) Compress(src string) (string, *CompressionStats, error) {
	start := time.Now()
	dst := src + "." + lc.Extension()

	original, compressed, err := compressFile(src, dst, func(w io.Writer) (io.WriteCloser, error) {
		zw := lz4.NewWriter(w)
		if lc.level > 6 {
			if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
				return nil, err
			}
		}
		return zw, nil
	})
	if err != nil {
		return "", nil, NewArtifactError("lz4 compression failed", err).WithContext("source", src)
	}

	return dst, &CompressionStats{
		OriginalSize:     original,
		CompressedSize:   compressed,
		CompressionRatio: CalculateCompressionRatio(original, compressed),
		Algorithm:        CompressionTypeLZ4,
		Level:            lc.level,
		Duration:         time.Since(start),
	}, nil
}

func (lc *LZ4Compressor) Decompress(src string) (string, error) {
	dst, err := stripCompressionSuffix(src, lc.Extension())
	if err != nil {
		return "", err
	}
	err = decompressFile(src, dst, func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	})
	if err != nil {
		return "", NewArtifactError("lz4 decompression failed", err).WithContext("source", src)
	}
	return dst, nil
}

func (lc *LZ4Compressor) Algorithm() CompressionType { return CompressionTypeLZ4 }

func (lc *LZ4Compressor) Extension() string { return CompressionTypeLZ4.Extension() }

// ZstdCompressor trades a little speed for better ratios.
type ZstdCompressor struct {
	level int
}

func NewZstdCompressor(level int) *ZstdCompressor {
	if level < 1 || level > 4 {
		level = 3
	}
	return &ZstdCompressor{level: level}
}

func (zc *ZstdCompressor) encoderLevel() zstd.EncoderLevel {
	switch {
	case zc.level <= 1:
		return zstd.SpeedFastest
	case zc.level == 2:
		return zstd.SpeedDefault
	case zc.level == 3:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (zc *ZstdCompressor) Compress(src string) (string, *CompressionStats, error) {
	start := time.Now()
	dst := src + "." + zc.Extension()

	original, compressed, err := compressFile(src, dst, func(w io.Writer) (io.WriteCloser, error) {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zc.encoderLevel()))
		if err != nil {
			return nil, err
		}
		return zw, nil
	})
	if err != nil {
		return "", nil, NewArtifactError("zstd compression failed", err).WithContext("source", src)
	}

	return dst, &CompressionStats{
		OriginalSize:     original,
		CompressedSize:   compressed,
		CompressionRatio: CalculateCompressionRatio(original, compressed),
		Algorithm:        CompressionTypeZstd,
		Level:            zc.level,
		Duration:         time.Since(start),
	}, nil
}

func (zc *ZstdCompressor) Decompress(src string) (string, error) {
	dst, err := stripCompressionSuffix(src, zc.Extension())
	if err != nil {
		return "", err
	}
	err = decompressFile(src, dst, func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	})
	if err != nil {
		return "", NewArtifactError("zstd decompression failed", err).WithContext("source", src)
	}
	return dst, nil
}

func (zc *ZstdCompressor) Algorithm() CompressionType { return CompressionTypeZstd }

func (zc *ZstdCompressor) Extension() string { return CompressionTypeZstd.Extension() }

// compressFile streams src through the wrapped writer into dst and returns
// the original and compressed sizes. A partial dst is removed on failure.
func compressFile(src, dst string, wrap func(io.Writer) (io.WriteCloser, error)) (int64, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, 0, err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, 0, err
	}

	w, err := wrap(out)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return 0, 0, err
	}

	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		out.Close()
		os.Remove(dst)
		return 0, 0, err
	}
	if err := w.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, 0, err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return 0, 0, err
	}

	compressedInfo, err := os.Stat(dst)
	if err != nil {
		return 0, 0, err
	}
	return info.Size(), compressedInfo.Size(), nil
}

// decompressFile streams src through the wrapped reader into dst. A partial
// dst is removed on failure.
func decompressFile(src, dst string, wrap func(io.Reader) (io.ReadCloser, error)) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	r, err := wrap(in)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func stripCompressionSuffix(src, ext string) (string, error) {
	if ext == "" {
		return src, nil
	}
	suffix := "." + ext
	if !strings.HasSuffix(src, suffix) {
		return "", NewArtifactError(
			fmt.Sprintf("file %s does not carry the expected %s suffix", filepath.Base(src), suffix), nil)
	}
	return strings.TrimSuffix(src, suffix), nil
}
