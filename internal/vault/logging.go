package vault

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/datashield/vault/internal/config"
	"github.com/datashield/vault/pkg/utils"
)

// structuredHandler adapts the teacher's utils.StructuredLogger to slog.Handler
// so every component in this module logs through the standard library's
// logging interface while the actual formatting/leveling/rotation is done by
// the structured logger (SPEC_FULL.md §10.2).
type structuredHandler struct {
	logger *utils.StructuredLogger
	attrs  map[string]interface{}
}

func (h *structuredHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *structuredHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make(map[string]interface{}, len(h.attrs)+record.NumAttrs())
	for k, v := range h.attrs {
		fields[k] = v
	}
	record.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	switch {
	case record.Level >= slog.LevelError:
		h.logger.Error(record.Message, fields)
	case record.Level >= slog.LevelWarn:
		h.logger.Warn(record.Message, fields)
	case record.Level >= slog.LevelInfo:
		h.logger.Info(record.Message, fields)
	default:
		h.logger.Debug(record.Message, fields)
	}
	return nil
}

func (h *structuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make(map[string]interface{}, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		merged[k] = v
	}
	for _, a := range attrs {
		merged[a.Key] = a.Value.Any()
	}
	return &structuredHandler{logger: h.logger, attrs: merged}
}

func (h *structuredHandler) WithGroup(_ string) slog.Handler { return h }

// newLogger builds the process-wide logger from config, optionally rotating
// to a file via the teacher's LogRotator.
func newLogger(cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := utils.ParseLogLevel(cfg.Level)
	if err != nil {
		level = utils.INFO
	}
	format := utils.FormatText
	if strings.EqualFold(cfg.Format, "json") {
		format = utils.FormatJSON
	}

	loggerConfig := &utils.StructuredLoggerConfig{
		Level:         level,
		Output:        os.Stdout,
		Format:        format,
		IncludeCaller: true,
	}
	if cfg.File != "" {
		loggerConfig.Rotation = &utils.RotationConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
	}

	sl, err := utils.NewStructuredLogger(loggerConfig)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(&structuredHandler{logger: sl, attrs: map[string]interface{}{}})
	return logger, sl.Close, nil
}
