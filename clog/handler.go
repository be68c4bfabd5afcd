package clog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// clogHandler 包装 slog.Handler，持有可动态修改的级别和底层输出
type clogHandler struct {
	slog.Handler
	level  *slog.LevelVar
	writer io.Writer

	mu sync.Mutex
}

func newHandler(config *Config, o *options) (*clogHandler, error) {
	w, err := resolveWriter(config.Output, o)
	if err != nil {
		return nil, err
	}

	lv, _ := ParseLevel(config.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(lv.slogLevel())

	ho := &slog.HandlerOptions{
		Level:       levelVar,
		AddSource:   config.AddSource,
		ReplaceAttr: newReplaceAttr(config.SourceRoot),
	}

	var inner slog.Handler
	if strings.ToLower(config.Format) == "json" {
		inner = slog.NewJSONHandler(w, ho)
	} else {
		inner = slog.NewTextHandler(w, ho)
	}

	return &clogHandler{Handler: inner, level: levelVar, writer: w}, nil
}

func resolveWriter(output string, o *options) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "buffer":
		if o.buffer == nil {
			return nil, fmt.Errorf("output is buffer but no buffer provided")
		}
		return o.buffer, nil
	}

	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// SetLevel 修改级别
func (h *clogHandler) SetLevel(level Level) error {
	if !level.valid() {
		return fmt.Errorf("invalid level: %d", level)
	}
	h.level.Set(level.slogLevel())
	return nil
}

// Flush 对文件输出执行 Sync
func (h *clogHandler) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		_ = f.Sync()
	}
}

// newReplaceAttr 统一时间格式、级别名称并裁剪源码路径
func newReplaceAttr(sourceRoot string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return a
		}
		switch a.Key {
		case slog.TimeKey:
			if t, ok := a.Value.Any().(time.Time); ok {
				return slog.String(slog.TimeKey, t.Format(timeFormat))
			}
		case slog.LevelKey:
			if l, ok := a.Value.Any().(slog.Level); ok && l > slog.LevelError {
				return slog.String(slog.LevelKey, "FATAL")
			}
		case slog.SourceKey:
			if src, ok := a.Value.Any().(*slog.Source); ok {
				return slog.String(slog.SourceKey,
					fmt.Sprintf("%s:%d", trimSourcePath(src.File, sourceRoot), src.Line))
			}
		}
		return a
	}
}

// trimSourcePath 从 root 所在位置开始截取路径，找不到时保留最后两段
func trimSourcePath(file, root string) string {
	if root != "" {
		if idx := strings.LastIndex(file, "/"+root+"/"); idx >= 0 {
			return file[idx+1:]
		}
	}
	dir, base := filepath.Split(file)
	return filepath.Join(filepath.Base(dir), base)
}
