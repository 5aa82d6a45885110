// Package xerrors defines the three error classes of spec §7: configuration,
// logic, and transient errors, as typed errors rather than exception-style control
// flow (spec §9 Design Notes).
package xerrors

import "fmt"

// ConfigError is fatal at startup; no counter mutation ever occurs (spec §7.1).
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return "config error: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func Config(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

func WrapConfig(err error, format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// LogicError is an equivalence failure, unknown revision action, or internal
// contradiction (spec §7.2). Fatal by default; demoted to a log line when
// ignore_errors is configured.
type LogicError struct {
	Change int
	Msg    string
	Err    error
}

func (e *LogicError) Error() string {
	base := fmt.Sprintf("logic error (change %d): %s", e.Change, e.Msg)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", base, e.Err)
	}
	return base
}

func (e *LogicError) Unwrap() error { return e.Err }

func Logic(change int, format string, args ...interface{}) error {
	return &LogicError{Change: change, Msg: fmt.Sprintf(format, args...)}
}

func WrapLogic(change int, err error, format string, args ...interface{}) error {
	return &LogicError{Change: change, Msg: fmt.Sprintf(format, args...), Err: err}
}

// TransientError is connection loss, rate limiting, or an unexpected warning
// (spec §7.3). The Scheduler sleeps and retries the same change from scratch,
// unless stopOnError is set.
type TransientError struct {
	Msg string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient error: %s: %v", e.Msg, e.Err)
	}
	return "transient error: " + e.Msg
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(format string, args ...interface{}) error {
	return &TransientError{Msg: fmt.Sprintf(format, args...)}
}

func WrapTransient(err error, format string, args ...interface{}) error {
	return &TransientError{Msg: fmt.Sprintf(format, args...), Err: err}
}
