package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// displayLimit 控制台/TUI 单条日志的最大长度
const displayLimit = 500

// LogSink receives formatted log lines, e.g. the terminal dashboard.
type LogSink interface {
	AddLog(level, message, source string)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SimpleHandler 输出 "[时间] [PID:x] [GID:y] [LEVEL] 消息 k=v" 格式的日志
// 有 sink 时发送到 sink，否则写到控制台；fileRotator 不为空时同时写文件
type SimpleHandler struct {
	level       slog.Level
	console     io.Writer
	sink        LogSink
	fileRotator *FileRotator
	attrs       []slog.Attr

	mu     *sync.Mutex
	closed *bool // 与 WithAttrs 派生的处理器共享
}

// NewSimpleHandler creates a handler writing to stdout.
func NewSimpleHandler(level slog.Level, sink LogSink, rotator *FileRotator) *SimpleHandler {
	return &SimpleHandler{
		level:       level,
		console:     os.Stdout,
		sink:        sink,
		fileRotator: rotator,
		mu:          &sync.Mutex{},
		closed:      new(bool),
	}
}

// SetConsole replaces the console writer.
func (h *SimpleHandler) SetConsole(w io.Writer) {
	h.console = w
}

func (h *SimpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *SimpleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	closed := *h.closed
	h.mu.Unlock()
	if closed {
		// 日志处理器已被替换：交给当前默认处理器
		next := slog.Default().Handler()
		if own, ok := next.(*SimpleHandler); ok && own.closed == h.closed {
			return nil
		}
		if !next.Enabled(ctx, r.Level) {
			return nil
		}
		if len(h.attrs) > 0 {
			next = next.WithAttrs(h.attrs)
		}
		return next.Handle(ctx, r.Clone())
	}

	message := r.Message

	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	timestamp := r.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	ts := timestamp.Format("2006-01-02 15:04:05.000")
	pid := os.Getpid()
	gid := getGoroutineID()
	level := levelName(r.Level)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fileRotator != nil && !*h.closed {
		line := fmt.Sprintf("[%s] [PID:%d] [GID:%d] [%s] %s\n", ts, pid, gid, level, message)
		if _, err := h.fileRotator.Write([]byte(line)); err != nil {
			fmt.Fprintf(os.Stderr, "写入日志文件失败: %v\n", err)
		}
	}

	displayMessage := message
	if len(displayMessage) > displayLimit {
		displayMessage = displayMessage[:displayLimit] + "... (显示截断)"
	}

	if h.sink != nil {
		h.sink.AddLog(level, displayMessage, "system")
		return nil
	}
	_, err := fmt.Fprintf(h.console, "[%s] [PID:%d] [GID:%d] [%s] %s\n", ts, pid, gid, level, displayMessage)
	return err
}

func (h *SimpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *SimpleHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Close flushes and closes the log file, if any. Records that still arrive
// afterwards are passed to slog.Default().
func (h *SimpleHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.closed = true
	if h.fileRotator != nil {
		_ = h.fileRotator.Sync()
		return h.fileRotator.Close()
	}
	return nil
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}

// getGoroutineID extracts the goroutine ID from runtime stack trace
func getGoroutineID() int {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := strings.Fields(string(buf))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return id
}

// defaultHandler forwards every record to the handler of slog.Default() at
// call time, so long-lived components follow logger swaps.
type defaultHandler struct {
	attrs []slog.Attr
}

// Dynamic returns a logger bound to whatever slog.Default() currently is.
// It must not itself be installed with slog.SetDefault.
func Dynamic() *slog.Logger {
	return slog.New(defaultHandler{})
}

func (h defaultHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h defaultHandler) Handle(ctx context.Context, r slog.Record) error {
	target := slog.Default().Handler()
	if len(h.attrs) > 0 {
		target = target.WithAttrs(h.attrs)
	}
	return target.Handle(ctx, r)
}

func (h defaultHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return defaultHandler{attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h defaultHandler) WithGroup(_ string) slog.Handler {
	return h
}
