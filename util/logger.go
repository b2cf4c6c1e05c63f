package util

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger carries training progress output. Defaults to the standard logger
// until InitLogger is called.
var Logger *log.Logger = log.Default()

// InitLogger points Logger at stdout and a run-specific log file. Failures
// to create the file are not fatal; logging falls back to stdout only.
func InitLogger(tag string) {
	fname := fmt.Sprintf("train_log_%s.txt", tag)
	file, err := os.Create(fname)

	var w io.Writer = os.Stdout
	if err == nil {
		w = io.MultiWriter(os.Stdout, file)
	}
	Logger = log.New(w, "", log.LstdFlags)
}
