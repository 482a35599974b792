package common

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// This can be used as the destination for a logger and it'll
// map them into calls to testing.T.Log, so that you only see
// the logging for failed tests.
type testLoggerAdapter struct {
	sync.Mutex
	t      testing.TB
	prefix string
	done   bool
}

func (a *testLoggerAdapter) Write(d []byte) (int, error) {
	a.Lock()
	defer a.Unlock()

	// testing panics if Log is called once the test has completed, which
	// happens with goroutines that are still winding down.
	if a.done {
		return len(d), nil
	}

	if len(d) > 0 && d[len(d)-1] == '\n' {
		d = d[:len(d)-1]
	}
	if a.prefix != "" {
		l := a.prefix + ": " + string(d)
		a.t.Log(l)
		return len(l), nil
	}
	a.t.Log(string(d))
	return len(d), nil
}

// NewTestLogger returns a logrus Logger that writes through t.Log.
func NewTestLogger(t testing.TB, level logrus.Level) *logrus.Logger {
	adapter := &testLoggerAdapter{t: t}
	t.Cleanup(func() {
		adapter.Lock()
		adapter.done = true
		adapter.Unlock()
	})

	logger := logrus.New()
	logger.Out = adapter
	logger.Level = level
	return logger
}

// NewTestEntry is a shortcut for a test logger wrapped in an Entry carrying the
// component field.
func NewTestEntry(t testing.TB, component string) *logrus.Entry {
	return NewTestLogger(t, logrus.DebugLevel).WithField("component", component)
}
