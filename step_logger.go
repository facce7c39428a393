package yieldsaga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StepLogEntry records one executed saga step.
type StepLogEntry struct {
	ID         string         `json:"id"`
	SagaID     string         `json:"saga_id"`
	Workflow   Workflow       `json:"workflow"`
	Step       Step           `json:"step"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	Duration   float64        `json:"duration"`
}

// StepLogger keeps an audit trail of executed steps.
type StepLogger interface {
	// LogStep records a finished step
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory returns the entries recorded for a saga
	GetStepHistory(ctx context.Context, sagaID string) ([]*StepLogEntry, error)
}

// FileStepLogger writes one newline-delimited JSON file per saga.
type FileStepLogger struct {
	directory string
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) sagaLogPath(sagaID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", sagaID))
}

func (l *FileStepLogger) GetStepHistory(ctx context.Context, sagaID string) ([]*StepLogEntry, error) {
	data, err := os.ReadFile(l.sagaLogPath(sagaID))
	if err != nil {
		return nil, err
	}
	var entries []*StepLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StepLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	filePath := l.sagaLogPath(entry.SagaID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// NullStepLogger discards entries.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (l *NullStepLogger) GetStepHistory(ctx context.Context, sagaID string) ([]*StepLogEntry, error) {
	return nil, nil
}
