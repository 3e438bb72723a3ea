package definition

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/andrestc/canary2pc/pkg/canary/types"
)

// NewDefaultLogger returns the logger used when a node is not given
// one explicitly. Adapted from the teacher's definition.DefaultLogger,
// swapping the bare stdlib *log.Logger for logrus so field-structured
// logging is available to callers that want it (node id, txid, peer).
func NewDefaultLogger(nodeID string) *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{
		entry: l.WithField("node", nodeID),
		base:  l,
	}
}

// DefaultLogger implements types.Logger on top of logrus.
type DefaultLogger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

func (l *DefaultLogger) Info(v ...interface{})                    { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})    { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                    { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})    { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                   { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{})   { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Debug(v ...interface{})                   { l.entry.Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{})   { l.entry.Debugf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                   { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{})   { l.entry.Fatalf(format, v...) }
func (l *DefaultLogger) Panic(v ...interface{})                   { l.entry.Panic(v...) }
func (l *DefaultLogger) Panicf(format string, v ...interface{})   { l.entry.Panicf(format, v...) }

// ToggleDebug sets the logger's minimum level to debug when value is
// true and to info otherwise, and returns the new debug-enabled state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.base.SetLevel(logrus.DebugLevel)
	} else {
		l.base.SetLevel(logrus.InfoLevel)
	}
	return value
}

var _ types.Logger = (*DefaultLogger)(nil)
