package logging

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const stackKey = "stack"

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackTraceHook flattens error fields to strings and attaches the
// pkg/errors stack when the error carries one.
type stackTraceHook struct{}

func newStackTraceHook() logrus.Hook {
	return stackTraceHook{}
}

func (stackTraceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (stackTraceHook) Fire(entry *logrus.Entry) error {
	val, ok := entry.Data[logrus.ErrorKey]
	if !ok {
		return nil
	}
	err, ok := val.(error)
	if !ok {
		return nil
	}
	if err == nil {
		delete(entry.Data, logrus.ErrorKey)
		return nil
	}

	var st stackTracer
	if errors.As(err, &st) {
		entry.Data[stackKey] = strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	entry.Data[logrus.ErrorKey] = err.Error()
	return nil
}
