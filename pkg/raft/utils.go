package raft

import (
	"bytes"
	"fmt"
	"runtime"
)

func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

// CallRecovered calls a function and turns a panic into an error carrying
// the panic message; the stack trace is logged.
func CallRecovered(logger Logger, label string, fn func()) (err error) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			logger.Error("%s: panic: %s\n%s", label, msg, trace)

			err = fmt.Errorf("%s: panic: %s", label, msg)
		}
	}()

	fn()
	return nil
}

func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Always skip runtime.Callers and StackTrace
	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n", frame.Function)
		fmt.Fprintf(&buf, "  %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}
