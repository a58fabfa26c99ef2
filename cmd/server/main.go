package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/Philipk84/tarea-chat-sub000/pkg/datastore"
	"github.com/Philipk84/tarea-chat-sub000/pkg/logging"
	"github.com/Philipk84/tarea-chat-sub000/pkg/server"
	"github.com/Philipk84/tarea-chat-sub000/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP control plane bind address")
	flag.StringVar(&cfg.SideAddr, "side", cfg.SideAddr, "TCP voice-note side channel bind address")
	flag.StringVar(&cfg.MediaAddr, "media", cfg.MediaAddr, "UDP media relay bind address")
	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP bind address for the API, websocket bridge and /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path (empty for in-memory history)")
	flag.StringVar(&cfg.GroupsFile, "groups-file", "", "YAML file defining groups to seed on startup")
	flag.IntVar(&cfg.UDPWorkers, "udp-workers", cfg.UDPWorkers, "Number of UDP media workers")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	deps := server.Dependencies{}
	if cfg.DBPath != "" {
		st, err := datastore.Open(cfg.DBPath)
		if err != nil {
			slog.Error("open database", "err", err)
			os.Exit(1)
		}
		deps.History = st
	}

	srv := server.New(cfg, deps)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
