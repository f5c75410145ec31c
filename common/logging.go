// Package common provides the shared logging and retry infrastructure for the
// document evaluation services. Log output is routed through an OutputSplitter
// that sends error-level entries to stderr and everything else to stdout, so
// containerized deployments can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log entries to stdout or stderr based on
// their level. It matches the literal "level=error" marker produced by the
// logrus text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer and selects the output stream per entry.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all packages. Services
// normally wrap it via ServiceLogger to attach their identity fields.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
