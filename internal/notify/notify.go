package notify

import (
	"context"

	"go.uber.org/zap"
)

// Sender delivers one-time codes and account notices to a target
// address (email or phone). Implementations own channel selection and
// template rendering.
type Sender interface {
	Send(ctx context.Context, target, template string, variables map[string]string) error
}

// LogSender writes notifications to the service log. It stands in for
// an email/SMS gateway in development and tests.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, target, template string, variables map[string]string) error {
	fields := []zap.Field{
		zap.String("target", target),
		zap.String("template", template),
	}
	for k, v := range variables {
		fields = append(fields, zap.String("var."+k, v))
	}
	s.logger.Info("notification dispatched", fields...)
	return nil
}

var _ Sender = (*LogSender)(nil)
