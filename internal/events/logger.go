package events

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Logger drains bus events into structured logs through a bounded
// buffer so slow sinks never stall publishers.
type Logger struct {
	logger *zap.Logger
	buffer chan Event
}

func NewLogger(logger *zap.Logger) *Logger {
	el := &Logger{
		logger: logger,
		buffer: make(chan Event, 1000),
	}
	go el.process()
	return el
}

func (el *Logger) Log(event Event) {
	select {
	case el.buffer <- event:
	default:
		el.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type)))
	}
}

func (el *Logger) process() {
	for event := range el.buffer {
		data, _ := json.Marshal(event)
		el.logger.Info("event",
			zap.String("type", string(event.Type)),
			zap.String("integration_id", event.IntegrationID),
			zap.String("data", string(data)),
		)
	}
}
