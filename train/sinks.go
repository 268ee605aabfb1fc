// Injected sinks for scalar metrics and line-oriented run logs. Both have an
// explicit lifecycle: opened when the trainer is constructed, closed when the
// run finishes. No package-level singletons.

package train

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// MetricsSink accepts per-series scalar events keyed by a monotonically
// increasing global step.
type MetricsSink interface {
	AddScalar(series string, value float64, step int)
	Close() error
}

// scalarEvent is one line of the JSONL metrics stream.
type scalarEvent struct {
	Series string  `json:"series"`
	Value  float64 `json:"value"`
	Step   int     `json:"step"`
}

// JSONLMetricsSink appends scalar events to a JSON-lines file, one event per
// line. Stands in for a dashboard backend; the file is trivially replayable.
type JSONLMetricsSink struct {
	file *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

// NewJSONLMetricsSink creates (or truncates) the events file under dir.
func NewJSONLMetricsSink(dir string) (*JSONLMetricsSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	file, err := os.Create(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("create metrics file: %w", err)
	}
	w := bufio.NewWriter(file)
	return &JSONLMetricsSink{file: file, w: w, enc: json.NewEncoder(w)}, nil
}

func (s *JSONLMetricsSink) AddScalar(series string, value float64, step int) {
	if err := s.enc.Encode(scalarEvent{Series: series, Value: value, Step: step}); err != nil {
		logrus.Warnf("metrics sink: dropping event for %s: %v", series, err)
	}
}

func (s *JSONLMetricsSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("flush metrics sink: %w", err)
	}
	return s.file.Close()
}

// DiscardMetricsSink drops all events. Used by tests and non-primary ranks.
type DiscardMetricsSink struct{}

func (DiscardMetricsSink) AddScalar(string, float64, int) {}
func (DiscardMetricsSink) Close() error                   { return nil }

// Logger writes line-oriented run logs to a fixed file per run and mirrors
// them to logrus so console output stays in sync.
type Logger struct {
	file *os.File
	w    *bufio.Writer
}

// NewLogger opens <dir>/log-<runID> for appending.
func NewLogger(dir, runID string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, "log-"+runID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &Logger{file: file, w: bufio.NewWriter(file)}, nil
}

// Write appends one line to the run log.
func (l *Logger) Write(format string, args ...any) {
	if l == nil {
		logrus.Infof(format, args...)
		return
	}
	line := fmt.Sprintf(format, args...)
	logrus.Info(line)
	fmt.Fprintln(l.w, line)
}

// Warn appends one line to the run log at warning severity.
func (l *Logger) Warn(format string, args ...any) {
	if l == nil {
		logrus.Warnf(format, args...)
		return
	}
	line := fmt.Sprintf(format, args...)
	logrus.Warn(line)
	fmt.Fprintln(l.w, line)
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return fmt.Errorf("flush run log: %w", err)
	}
	return l.file.Close()
}
