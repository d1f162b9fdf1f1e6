package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// sessionIDKey is the context key under which the session id correlating
// a log line to a WebSocket connection is stored.
type sessionIDKey struct{}

// WithSessionID returns a context carrying sessionID for log correlation.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// Handler implements slog.Handler with a "[TIME] [LEVEL] [SESSION] msg" format.
type Handler struct {
	w     io.Writer
	opts  slog.HandlerOptions
	attrs []slog.Attr
}

func NewHandler(w io.Writer, opts slog.HandlerOptions) *Handler {
	return &Handler{w: w, opts: opts}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)

	sessionID := ""
	if ctx != nil {
		if v := ctx.Value(sessionIDKey{}); v != nil {
			if s, ok := v.(string); ok {
				sessionID = s
			}
		}
	}

	fmt.Fprintf(buf, "[%s] [%s]", r.Time.Format("2006-01-02 15:04:05"), r.Level)
	if sessionID != "" {
		fmt.Fprintf(buf, " [%s]", sessionID)
	}
	fmt.Fprintf(buf, " %s", r.Message)

	for _, a := range h.attrs {
		h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, a)
		return true
	})

	buf.WriteString("\n")
	h.w.Write(buf.Bytes())
	return nil
}

func (h *Handler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")

	val := a.Value.Resolve()
	switch val.Kind() {
	case slog.KindString:
		fmt.Fprintf(buf, "%q", val.String())
	case slog.KindTime:
		buf.WriteString(val.Time().Format(time.RFC3339))
	default:
		fmt.Fprintf(buf, "%v", val.Any())
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{w: h.w, opts: h.opts, attrs: append(h.attrs, attrs...)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return h
}

// Setup installs a Handler at the given level as the slog default.
func Setup(levelStr string) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(NewHandler(os.Stderr, slog.HandlerOptions{Level: level})))
}

// PrintBanner prints the startup banner.
func PrintBanner() {
	banner := `
 ▄▄▄·  ▌ ▐·▄▄▄▄▄ ▄▄▄· ▄▄▄   ▄▄▄· ▌ ▐·
▐█ ▀█ ▪█·█▌•██  ▐█ ▀█ ▀▄ █·▐█ ▀█ ▪█·█▌
▄█▀▀█ ▐█▐█• ▐█.▪▄█▀▀█ ▐▀▀▄ ▄█▀▀█ ▐█▐█▌
▐█ ▪▐▌ ███ ▪ ▐█▌·▐█ ▪▐▌▐█•█▌▐█ ▪▐▌ ███
 ▀  ▀ . ▀  ▀▀▀  ▀▀▀  ▀  .▀  ▀  ▀ . ▀
`
	fmt.Println(banner)
}
