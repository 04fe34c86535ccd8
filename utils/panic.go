package utils

import (
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// StackTraceFromPanic logs the stack trace of a panic and re-panics
// must be called with defer
func StackTraceFromPanic(logger *log.Entry) {
	if r := recover(); r != nil {
		logger.Errorf("stacktrace from panic: %v\n%s", r, string(debug.Stack()))
		panic(r)
	}
}
