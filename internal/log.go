package internal

import (
	"context"
	"log"
	"log/slog"
	"strings"
)

// quietHTTPErrors are net/http server errors caused by clients hanging up,
// mostly pollers abandoning a challenge status request.
var quietHTTPErrors = []string{
	"context canceled",
	"write: broken pipe",
	"write: connection reset by peer",
}

// ErrorLogFilter routes net/http server errors into structured logs and
// drops the ones clients cause by disconnecting.
type ErrorLogFilter struct {
	Logger *slog.Logger
}

func (elf *ErrorLogFilter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))

	for _, quiet := range quietHTTPErrors {
		if strings.Contains(msg, quiet) {
			return len(p), nil
		}
	}

	lg := elf.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.Log(context.Background(), slog.LevelWarn, msg, "component", "net/http")

	return len(p), nil
}

// GetFilteredHTTPLogger returns an http.Server ErrorLog that writes through
// the default slog handler.
func GetFilteredHTTPLogger() *log.Logger {
	return log.New(&ErrorLogFilter{}, "", 0)
}
