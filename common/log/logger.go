// Package log configures the process-wide logrus logger the binaries share.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/log/hooks"
)

// LevelEnvVar names the variable that overrides the configured log level.
const LevelEnvVar = "HPCSCHED_LOGLEVEL"

// Format values accepted by Configure.
const (
	TextFormat = "text"
	JSONFormat = "json"
)

// Configure sets the level and format of the standard logrus logger and sends
// it to w. A level in HPCSCHED_LOGLEVEL wins over level. At debug level and
// below every entry is tagged with its caller.
func Configure(level, format string, w io.Writer) error {
	if env := os.Getenv(LevelEnvVar); env != "" {
		level = env
	}
	if level == "" {
		level = logrus.InfoLevel.String()
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}

	switch strings.ToLower(format) {
	case "", TextFormat:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case JSONFormat:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	logrus.SetLevel(lvl)
	if lvl >= logrus.DebugLevel {
		logrus.AddHook(hooks.NewContextHook())
	}
	if w != nil {
		logrus.SetOutput(w)
	}
	return nil
}
