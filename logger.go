package cqlpool

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the structured logger used by the package.
// Wrap any github.com/go-kit/log logger (log.NewLogfmtLogger for example) to see pool messages.
type Logger = log.Logger

// nodeLogger attaches the node address to every message.
func nodeLogger(l Logger, addr string) Logger {
	return log.With(l, "node", addr)
}

func logDebug(l Logger, keyvals ...interface{}) {
	_ = level.Debug(l).Log(keyvals...)
}

func logInfo(l Logger, keyvals ...interface{}) {
	_ = level.Info(l).Log(keyvals...)
}

func logWarn(l Logger, keyvals ...interface{}) {
	_ = level.Warn(l).Log(keyvals...)
}

func nopLogger() Logger {
	return log.NewNopLogger()
}
