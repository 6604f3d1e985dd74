package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperFrames are function-name fragments that never count as the caller.
var wrapperFrames = []string{"sirupsen/logrus", "histflow/logger."}

const maxCallerDepth = 24

// callerHook reports the first frame outside logrus and the Entry helpers,
// so `file:line` points at the component that logged.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, maxCallerDepth)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])
	for frame, more := frames.Next(); more; frame, more = frames.Next() {
		if isWrapperFrame(frame.Function) {
			continue
		}
		entry.Caller = &frame
		return nil
	}
	return nil
}

func isWrapperFrame(fn string) bool {
	for _, w := range wrapperFrames {
		if strings.Contains(fn, w) {
			return true
		}
	}
	return false
}
