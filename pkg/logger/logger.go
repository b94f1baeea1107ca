// Package logger は全コンポーネントで共通して使用する構造化ロガーを提供する。
//
// log/slog のJSONハンドラを標準出力に設定し、コンテキストにOpenTelemetryの
// スパンが含まれる場合は trace_id と span_id を付与する。
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Init はJSON形式のロガーを生成し、slogのデフォルトロガーとして登録する。
// levelには "debug" / "info" / "warn" / "error" を指定する。未知の値はinfoとして扱う。
func Init(level string) *slog.Logger {
	return InitWithWriter(os.Stdout, level)
}

// InitWithWriter は出力先を指定してロガーを初期化する。
func InitWithWriter(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	l := slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(l)
	return l
}

// ParseLevel はログレベル文字列をslog.Levelに変換する。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// From はコンテキストに紐づくロガーを返す。
// 有効なスパンがあればトレースIDとスパンIDを属性として追加する。
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		l = l.With(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}

	return l
}
