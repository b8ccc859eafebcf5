// Package logging points the standard logger at stderr and, optionally, a
// size-rotated log file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relabs-tech/gps_remote/internal/config"
)

// Setup configures the standard logger from cfg and returns a function that
// closes the log file, if any. The prefix identifies the process.
func Setup(cfg *config.Config, prefix string) (closeFn func() error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if prefix != "" {
		log.SetPrefix(prefix + " ")
	}

	if cfg == nil || cfg.LogFile == "" {
		log.SetOutput(os.Stderr)
		return func() error { return nil }
	}

	file := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	log.Printf("logging: writing to %s (max %d MB, %d backups)", cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)

	return func() error {
		log.SetOutput(os.Stderr)
		return file.Close()
	}
}
