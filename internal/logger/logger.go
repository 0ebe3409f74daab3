// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать обработку запросов. Записи уходят в log/slog из фонового воркера.
// Поддерживается логирование времени выполнения функций.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const asyncBufferSize = 8192

// slowCallThreshold: при уровне info логируются только вызовы дольше этого порога.
const slowCallThreshold = 100 * time.Millisecond

type entry struct {
	level slog.Level
	msg   string
	attrs []any
}

var (
	prefix string
	level  = new(slog.LevelVar)
	base   *slog.Logger
	ch     chan entry
	once   sync.Once
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initWorker() {
	level.Set(parseLevel(os.Getenv("LOG_LEVEL")))
	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ch = make(chan entry, asyncBufferSize)
	go func() {
		for e := range ch {
			base.Log(context.Background(), e.level, e.msg, e.attrs...)
		}
	}()
}

func enqueue(lvl slog.Level, msg string, attrs ...any) {
	once.Do(initWorker)
	if !base.Enabled(context.Background(), lvl) {
		return
	}
	if prefix != "" {
		attrs = append(attrs, slog.String("svc", prefix))
	}
	select {
	case ch <- entry{level: lvl, msg: msg, attrs: attrs}:
	default:
		// Буфер полон: не блокируем, теряем лог
	}
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "api").
func SetPrefix(p string) {
	prefix = p
}

// SetLevel переключает уровень логирования (debug, info, warn, error).
func SetLevel(s string) {
	once.Do(initWorker)
	level.Set(parseLevel(s))
}

// Debugf пишет отладочное сообщение (асинхронно).
func Debugf(format string, v ...any) {
	enqueue(slog.LevelDebug, fmt.Sprintf(format, v...))
}

// Info пишет в лог (асинхронно).
func Info(v ...any) {
	enqueue(slog.LevelInfo, fmt.Sprint(v...))
}

// Infof форматирует и пишет (асинхронно).
func Infof(format string, v ...any) {
	enqueue(slog.LevelInfo, fmt.Sprintf(format, v...))
}

// Infow пишет сообщение со структурированными полями: logger.Infow("chat accepted", "chat_id", id).
func Infow(msg string, kv ...any) {
	enqueue(slog.LevelInfo, msg, kv...)
}

// Error пишет ошибку (асинхронно).
func Error(v ...any) {
	enqueue(slog.LevelError, fmt.Sprint(v...))
}

// Errorf форматирует ошибку (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(slog.LevelError, fmt.Sprintf(format, v...))
}

// Errorw пишет ошибку со структурированными полями.
func Errorw(msg string, kv ...any) {
	enqueue(slog.LevelError, msg, kv...)
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug: все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	lvl := slog.LevelDebug
	if elapsed >= slowCallThreshold {
		lvl = slog.LevelInfo
	}
	enqueue(lvl, "call", slog.String("fn", fn), slog.Int64("duration_ms", elapsed.Milliseconds()))
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
