// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"
	"os"

	"github.com/relabs-tech/gps_remote/internal/app"
	"github.com/relabs-tech/gps_remote/internal/config"
	"github.com/relabs-tech/gps_remote/internal/logging"
)

func main() {
	configPath := flag.String("config", "./gps_remote_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting gps-remote remote (browser control → MQTT)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	closeLog := logging.Setup(config.Get(), "[remote]")
	defer closeLog()

	if err := app.RunRemote(); err != nil {
		log.Printf("fatal: %v", err)
		closeLog()
		os.Exit(1)
	}
}
