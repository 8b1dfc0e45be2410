package observer

import "go.uber.org/zap"

// Logger is an Observer that writes events to a zap logger.
type Logger struct {
	ID  string
	Log *zap.SugaredLogger
}

func (l *Logger) Name() string { return l.ID }

func (l *Logger) Observe(ev Event) error {
	if ev.Message == MessageError {
		l.Log.Errorw("worker error", "Worker", ev.Worker, "Data", ev.Data)
		return nil
	}
	l.Log.Infow("worker data", "Worker", ev.Worker, "Data", ev.Data)
	return nil
}
