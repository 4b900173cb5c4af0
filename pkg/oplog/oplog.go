package oplog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/werf/logboek"
	"github.com/werf/logboek/pkg/level"
	"github.com/werf/logboek/pkg/types"
	"k8s.io/klog/v2"
)

// FileName is the operational log file inside the log directory. It records
// startup, every detected failure, every extraction outcome and retry/backoff
// events; the log viewer treats it as an entry distinct from pod logs.
const FileName = "watcher.log"

// Log is the process-wide operational log: one logboek logger writing to the
// console and to an append-only file at the same time.
type Log struct {
	Logger types.LoggerInterface

	file *os.File
}

// Setup creates the log directory, opens the operational log file and builds
// the logger. client-go's klog output is redirected into the file so apiserver
// noise stays diagnosable without polluting the console.
func Setup(logDir string, verbose bool) (*Log, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create log directory %q: %w", logDir, err)
	}

	path := filepath.Join(logDir, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("unable to open operational log %q: %w", path, err)
	}

	logger := logboek.NewLogger(io.MultiWriter(os.Stdout, file), io.MultiWriter(os.Stderr, file))
	if verbose {
		logger.SetAcceptedLevel(level.Debug)
	}

	klog.LogToStderr(false)
	klog.SetOutput(file)

	return &Log{Logger: logger, file: file}, nil
}

// NewContext attaches the logger to the context so every component logs
// through the same two sinks.
func (l *Log) NewContext(ctx context.Context) context.Context {
	return logboek.NewContext(ctx, l.Logger)
}

func (l *Log) Close() error {
	return l.file.Close()
}
