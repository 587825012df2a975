package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/snfs/pkg/errors"
	"github.com/sidkik/snfs/pkg/version"
)

// HandleFatalError prints the friendliest form of the error available and
// exits non-zero.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic recovers from panics in the main process, logs enough to
// debug them, and exits non-zero. It's installed with defer in main.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithFields(log.Fields{
		"version": version.Version,
		"error":   fmt.Sprint(r),
	}).Error("snfs crashed")
	debug.PrintStack()
	os.Exit(1)
}
