package raft

// Logger is the logging interface used by servers and transports. It is
// implemented by *log.Logger from github.com/galdor/go-log.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}
