// ============================================================================
// Voxel-Pipeline Logging - slog 設定
// ============================================================================
//
// Package: internal/logging
// 文件: logging.go
// 功能: 各套件共用的 slog logger 與 CLI 的 handler 設定
//
// 各套件在初始化時以 For("engine") 建立自己的 logger。這個 logger 在每次
// 輸出時才取 slog.Default() 的 handler，因此 CLI 在之後才呼叫 Setup
// 也能完整套用等級與格式。
//
// ============================================================================

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// For 返回帶有 component 屬性的 logger
func For(component string) *slog.Logger {
	return slog.New(forwardHandler{}).With("component", component)
}

// forwardHandler 將紀錄轉交給當下的預設 handler
type forwardHandler struct {
	wrap func(slog.Handler) slog.Handler
}

func (h forwardHandler) target() slog.Handler {
	t := slog.Default().Handler()
	if h.wrap != nil {
		t = h.wrap(t)
	}
	return t
}

func (h forwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prev := h.wrap
	return forwardHandler{wrap: func(t slog.Handler) slog.Handler {
		if prev != nil {
			t = prev(t)
		}
		return t.WithAttrs(attrs)
	}}
}

func (h forwardHandler) WithGroup(name string) slog.Handler {
	prev := h.wrap
	return forwardHandler{wrap: func(t slog.Handler) slog.Handler {
		if prev != nil {
			t = prev(t)
		}
		return t.WithGroup(name)
	}}
}

// ParseLevel 解析 debug / info / warn / error（不分大小寫）
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// Setup 設定預設 handler；format 為 text 或 json
func Setup(levelName, format string, w io.Writer) error {
	level, err := ParseLevel(levelName)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch format {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
