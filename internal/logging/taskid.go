package logging

// WithTaskID returns a logger that prefixes every line with the task id, so
// the interleaved output of concurrent executions stays attributable.
func WithTaskID(logger Logger, taskID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if taskID == "" {
		return logger
	}
	return &taskIDLogger{logger: logger, taskID: taskID}
}

type taskIDLogger struct {
	logger Logger
	taskID string
}

func (l *taskIDLogger) Debug(format string, args ...any) {
	l.logger.Debug(prefixTaskID(l.taskID, format), args...)
}

func (l *taskIDLogger) Info(format string, args ...any) {
	l.logger.Info(prefixTaskID(l.taskID, format), args...)
}

func (l *taskIDLogger) Warn(format string, args ...any) {
	l.logger.Warn(prefixTaskID(l.taskID, format), args...)
}

func (l *taskIDLogger) Error(format string, args ...any) {
	l.logger.Error(prefixTaskID(l.taskID, format), args...)
}

func prefixTaskID(taskID, format string) string {
	if taskID == "" {
		return format
	}
	return "task=" + taskID + " " + format
}
