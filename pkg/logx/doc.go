// Package logx wraps zerolog behind a small structured logging API.
//
// Components receive a Logger value (zero value is a safe no-op) and derive
// scoped loggers with With(). The Service owns the sinks (console, file) and
// can swap levels/outputs at runtime via Apply() without invalidating loggers
// already handed out.
package logx
