// Package logging provides the console/file slog handler and size based
// log file rotation.
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ParseSize parses sizes like "100MB", "512KB", "1GB" or a plain byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return int64(n * float64(multiplier)), nil
}

// FileRotator 按大小轮转日志文件
// 轮转后的文件命名为 <path>.<时间戳>，compress 为 true 时压缩为 .gz
type FileRotator struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	file *os.File
	size int64
	now  func() time.Time
}

// NewFileRotator opens (or creates) path for appending.
func NewFileRotator(path string, maxSize int64, maxFiles int, compress bool) (*FileRotator, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	r := &FileRotator{
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
		compress: compress,
		now:      time.Now,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("读取日志文件信息失败: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write implements io.Writer, rotating before a write that would exceed maxSize.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Sync flushes the current file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("关闭日志文件失败: %w", err)
	}
	r.file = nil

	rotated := fmt.Sprintf("%s.%s", r.path, r.now().Format("20060102-150405.000"))
	if err := os.Rename(r.path, rotated); err != nil {
		return fmt.Errorf("重命名日志文件失败: %w", err)
	}
	if r.compress {
		if err := gzipFile(rotated); err != nil {
			fmt.Fprintf(os.Stderr, "压缩日志文件失败: %v\n", err)
		}
	}
	r.prune()
	return r.open()
}

// prune removes the oldest rotated files beyond maxFiles.
func (r *FileRotator) prune() {
	if r.maxFiles <= 0 {
		return
	}
	matches, err := filepath.Glob(r.path + ".*")
	if err != nil || len(matches) <= r.maxFiles {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-r.maxFiles] {
		_ = os.Remove(old)
	}
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
