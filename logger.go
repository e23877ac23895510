package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logFile *os.File
var logPath = "/var/nuclide-dbg.log"

// SetupLogger sends logs to a file so they never interleave with console
// output. Failures leave the default stderr logger in place.
func SetupLogger() {
	_, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		_, createErr := os.Create(logPath)
		if createErr != nil {
			return
		}
	} else if err != nil {
		return
	}

	logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, os.ModePerm)
	if err != nil {
		return
	}

	logrus.SetOutput(logFile)
}

func CloseLogger() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
