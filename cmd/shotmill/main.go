package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/shotmill/shotmill"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML config file (optional)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	srv, err := shotmill.New(*configPath,
		shotmill.WithPhusLogger(&slog.HandlerOptions{Level: level}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shotmill: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		os.Exit(1)
	}
}
