package emit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogEmitter implements Emitter by writing structured fields through a
// logrus.FieldLogger. Unlike the journal, these entries are not replayed or
// trusted for recovery; they exist for operators.
type LogEmitter struct {
	logger logrus.FieldLogger
}

// NewLogEmitter wraps logger, or logrus.StandardLogger() if nil.
func NewLogEmitter(logger logrus.FieldLogger) *LogEmitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(event Event) {
	fields := logrus.Fields{
		"workflow_id": event.WorkflowID,
		"step_number": event.StepNumber,
	}
	if event.StepID != "" {
		fields["step_id"] = event.StepID
	}
	for k, v := range event.Meta {
		fields[k] = v
	}
	l.logger.WithFields(fields).Info(event.Msg)
}

func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

// Flush is a no-op: logrus writes synchronously through its output.
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
