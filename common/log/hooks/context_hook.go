package hooks

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextHook struct{}

// NewContextHook returns a hook that adds the "file:line" of the logging call
// to every entry. It walks the stack on each call, so it is only installed
// when debugging.
func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 32)
	// skip runtime.Callers and Fire
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.Contains(f.Function, "sirupsen/logrus") {
			entry.Data["file:line"] = fmt.Sprintf("%s:%d", trimPath(f.File), f.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}

// trimPath keeps the package directory and file name.
func trimPath(file string) string {
	dir, name := filepath.Split(file)
	return filepath.Join(filepath.Base(dir), name)
}
