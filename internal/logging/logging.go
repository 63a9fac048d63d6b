// Package logging wraps zap with the finite structured-event taxonomy
// spec.md §6 requires (APPLICATION_STARTED, SESSION_STARTED, ... ,
// EMERGENCY_SHUTDOWN). Grounded on the teacher's newLogger (cmd/main.go) and
// its pervasive go.uber.org/zap usage.
package logging

import (
	"go.uber.org/zap"
)

// Event is one of the finite structured event kinds spec.md §6 names.
type Event string

const (
	ApplicationStarted       Event = "APPLICATION_STARTED"
	SessionStarted           Event = "SESSION_STARTED"
	SessionMissed            Event = "SESSION_MISSED"
	CycleCompleted           Event = "CYCLE_COMPLETED"
	OrderPlaced              Event = "ORDER_PLACED"
	OrderFilled              Event = "ORDER_FILLED"
	OrderModified            Event = "ORDER_MODIFIED"
	OrderTimeout             Event = "ORDER_TIMEOUT"
	PositionCreated          Event = "POSITION_CREATED"
	PositionClosed           Event = "POSITION_CLOSED"
	RiskEvent                Event = "RISK_EVENT"
	UncaughtException        Event = "UNCAUGHT_EXCEPTION"
	GracefulShutdownStarted  Event = "GRACEFUL_SHUTDOWN_STARTED"
	GracefulShutdownComplete Event = "GRACEFUL_SHUTDOWN_COMPLETED"
	EmergencyShutdown        Event = "EMERGENCY_SHUTDOWN"
)

// Sink is the structured event emitter consumed by the core (spec.md §6).
// Its concrete transport (file, stdout, remote collector) is out of scope;
// Logger below is the reference zap-backed implementation used by this repo.
type Sink interface {
	Emit(event Event, fields ...zap.Field)
}

// Logger is a zap-backed Sink. Construction mirrors the teacher's
// environment-gated newLogger (cmd/main.go): development encoder for local
// runs, production (JSON) encoder otherwise.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger. env is typically "production" or "development".
func New(env string) (*Logger, error) {
	var z *zap.Logger
	var err error
	if env == "production" {
		z, err = zap.NewProduction()
	} else {
		z, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// Emit logs a structured event at INFO, except UNCAUGHT_EXCEPTION and
// EMERGENCY_SHUTDOWN which log at ERROR.
func (l *Logger) Emit(event Event, fields ...zap.Field) {
	all := append([]zap.Field{zap.String("event", string(event))}, fields...)
	switch event {
	case UncaughtException, EmergencyShutdown:
		l.z.Error("engine event", all...)
	default:
		l.z.Info("engine event", all...)
	}
}

// Raw returns the underlying zap.Logger for components that want leveled
// WARN/ERROR logging outside the fixed event taxonomy (e.g. recoverable-error
// WARN logs per spec.md §7).
func (l *Logger) Raw() *zap.Logger { return l.z }

// Sync flushes any buffered log entries; call on shutdown.
func (l *Logger) Sync() error { return l.z.Sync() }
