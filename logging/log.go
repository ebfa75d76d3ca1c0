/*
Package logging implements application log support for the filter
chain. It uses logrus and allows prefixing the application log entries
so that they can be told apart from the embedding process's own output.
*/
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

type prefixFormatter struct {
	prefix    string
	formatter logrus.Formatter
}

// Init options for logging.
type Options struct {

	// Prefix for application log entries.
	ApplicationLogPrefix string

	// Output for the application log entries, when nil, the
	// logrus default (os.Stderr) is used.
	ApplicationLogOutput io.Writer

	// When set, log entries are formatted as JSON.
	ApplicationLogJSONEnabled bool

	// Application log level, defaults to logrus.InfoLevel.
	ApplicationLogLevel logrus.Level
}

func (f *prefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.formatter.Format(e)
	if err != nil {
		return nil, err
	}

	return append([]byte(f.prefix), b...), nil
}

func initApplicationLog(o Options) {
	if o.ApplicationLogJSONEnabled {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else if o.ApplicationLogPrefix != "" {
		logrus.SetFormatter(&prefixFormatter{
			o.ApplicationLogPrefix, logrus.StandardLogger().Formatter})
	}

	if o.ApplicationLogOutput != nil {
		logrus.SetOutput(o.ApplicationLogOutput)
	}

	if o.ApplicationLogLevel != 0 {
		logrus.SetLevel(o.ApplicationLogLevel)
	}
}

// Init initializes logging.
func Init(o Options) {
	initApplicationLog(o)
}
