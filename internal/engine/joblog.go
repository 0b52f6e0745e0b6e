package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/store"
)

// storeHook persists every calculation log entry and publishes it to the
// live log broker.
type storeHook struct {
	jobID   string
	process string
	store   store.Store
	broker  *LogBroker
	logger  *slog.Logger
}

func (h *storeHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *storeHook) Fire(e *logrus.Entry) error {
	entry := &model.LogEntry{
		JobID:     h.jobID,
		Timestamp: e.Time.UTC(),
		Level:     levelName(e.Level),
		Process:   h.process,
		Message:   e.Message,
	}
	if err := h.store.AppendLog(context.Background(), entry); err != nil {
		h.logger.Error("failed to persist log entry", "job_id", h.jobID, "error", err)
		return nil
	}
	h.broker.Publish(h.jobID, *entry)
	return nil
}

// newJobLogger returns the calculation logger of one job. Only the hook
// writes; the logger's own output is discarded.
func (e *Engine) newJobLogger(jobID, level, process string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(parseJobLevel(level))
	l.AddHook(&storeHook{
		jobID:   jobID,
		process: process,
		store:   e.store,
		broker:  e.broker,
		logger:  e.logger,
	})
	return logrus.NewEntry(l)
}

// logCritical records a CRITICAL entry. logrus has no critical level, so
// FatalLevel stands in for it; Entry.Log never exits.
func logCritical(log *logrus.Entry, msg string) {
	log.Log(logrus.FatalLevel, msg)
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return model.LevelCritical
	case logrus.ErrorLevel:
		return model.LevelError
	case logrus.WarnLevel:
		return model.LevelWarning
	case logrus.InfoLevel:
		return model.LevelInfo
	default:
		return model.LevelDebug
	}
}

// parseJobLevel maps a job log level name to a logrus level, defaulting to
// info.
func parseJobLevel(s string) logrus.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "critical" {
		return logrus.FatalLevel
	}
	l, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}
