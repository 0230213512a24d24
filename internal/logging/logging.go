package logging

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"
)

// output is the writer behind the default logger. Hold can park it while a
// full-screen view owns the terminal.
var output = &holdWriter{w: os.Stderr}

type holdWriter struct {
	mu   sync.Mutex
	w    io.Writer
	held *bytes.Buffer
}

func (h *holdWriter) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held != nil {
		return h.held.Write(p)
	}
	return h.w.Write(p)
}

// Level returns the level named by LOG_LEVEL. Production only shows errors.
func Level() slog.Level {
	level := slog.LevelError

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		switch l {
		case "dev", "development", "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error", "production", "prod":
			level = slog.LevelError
		}
	}
	return level
}

// Init installs a text logger writing to w as the slog default and returns it.
func Init(w io.Writer) *slog.Logger {
	output.mu.Lock()
	output.w = w
	output.mu.Unlock()

	logger := slog.New(
		slog.NewTextHandler(output, &slog.HandlerOptions{
			Level: Level(),
		}),
	)
	slog.SetDefault(logger)
	return logger
}

// Hold buffers log output until release is called, which writes everything
// held to the logger's writer. release is safe to call more than once.
func Hold() (release func()) {
	output.mu.Lock()
	if output.held == nil {
		output.held = &bytes.Buffer{}
	}
	output.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			output.mu.Lock()
			defer output.mu.Unlock()
			if output.held == nil {
				return
			}
			held := output.held
			output.held = nil
			output.w.Write(held.Bytes())
		})
	}
}
