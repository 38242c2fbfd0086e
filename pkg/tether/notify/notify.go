// Package notify is the sink for user-visible notifications. The embedding
// application supplies an implementation that renders toasts or banners;
// the default just logs.
package notify

import "go.uber.org/zap"

// Notifier receives user-visible notifications from the resilience layer.
// Implementations must be safe for concurrent use and must not block.
type Notifier interface {
	Info(message string)
	Success(message string)
	Warning(message string)
	Error(message string)
}

// LogNotifier writes notifications to a zap logger. It is the default used
// when the application does not provide its own sink.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Info(message string)    { n.logger.Info("notification", zap.String("message", message)) }
func (n *LogNotifier) Success(message string) { n.logger.Info("notification", zap.String("message", message), zap.String("level", "success")) }
func (n *LogNotifier) Warning(message string) { n.logger.Warn("notification", zap.String("message", message)) }
func (n *LogNotifier) Error(message string)   { n.logger.Error("notification", zap.String("message", message)) }

// Nop discards all notifications.
type Nop struct{}

func (Nop) Info(string)    {}
func (Nop) Success(string) {}
func (Nop) Warning(string) {}
func (Nop) Error(string)   {}
