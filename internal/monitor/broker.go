package monitor

import (
	"log/slog"
	"time"
)

// Kind distinguishes the two health machines of a destination.
type Kind string

const (
	KindDelivery  Kind = "delivery"
	KindQueueFull Kind = "queue"
)

// Event describes one health transition.
type Event struct {
	Time    time.Time
	Kind    Kind
	Error   bool
	Message string
}

// Broker receives health transitions. Implementations must not block.
type Broker interface {
	Notify(source string, event Event)
}

// BrokerFunc adapts a function to a Broker.
type BrokerFunc func(source string, event Event)

// Notify calls f.
func (f BrokerFunc) Notify(source string, event Event) {
	f(source, event)
}

// Nop discards all events.
var Nop Broker = BrokerFunc(func(string, Event) {})

// multi fans an event out to several brokers in order.
type multi []Broker

// Multi returns a Broker that notifies each of brokers in turn. Nil entries are skipped.
func Multi(brokers ...Broker) Broker {
	var m multi
	for _, b := range brokers {
		if b != nil {
			m = append(m, b)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) Notify(source string, event Event) {
	for _, b := range m {
		b.Notify(source, event)
	}
}

// LogBroker writes transitions to a structured logger.
type LogBroker struct {
	logger *slog.Logger
}

// NewLogBroker creates a LogBroker.
func NewLogBroker(logger *slog.Logger) *LogBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBroker{logger: logger.With("component", "monitor")}
}

// Notify logs errors at Warn and recoveries at Info.
func (b *LogBroker) Notify(source string, event Event) {
	if event.Error {
		b.logger.Warn("destination unhealthy",
			"source", source,
			"kind", event.Kind,
			"message", event.Message,
		)
		return
	}
	b.logger.Info("destination recovered",
		"source", source,
		"kind", event.Kind,
		"message", event.Message,
	)
}
