package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/NicolasHaas/roomchat/pkg/datastore"
	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/rooms"
	"github.com/NicolasHaas/roomchat/pkg/server"
	"github.com/NicolasHaas/roomchat/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address")
	flag.StringVar(&cfg.DBPath, "db", "", "SQLite journal file path (empty keeps history in memory)")
	flag.StringVar(&cfg.RoomsFile, "rooms-file", "", "YAML file defining rooms to import on startup")
	exportRooms := flag.Bool("export-rooms", false, "Export the room catalog as YAML and exit")

	flag.Int64Var(&cfg.Attachments.MaxBytes, "max-upload", cfg.Attachments.MaxBytes, "Largest accepted upload in bytes")
	flag.Int64Var(&cfg.Attachments.QuotaBytes, "quota", cfg.Attachments.QuotaBytes, "Attachment store byte quota (0 = unlimited)")
	allowedTypes := flag.String("allowed-types", strings.Join(cfg.Attachments.AllowedTypes, ","),
		"Comma-separated MIME allow-list; \"image/*\" style wildcards accepted")
	flag.DurationVar(&cfg.Attachments.OrphanTTL, "orphan-ttl", cfg.Attachments.OrphanTTL, "Unreferenced uploads older than this are removed")
	flag.IntVar(&cfg.Channel.HistoryLimit, "history-limit", cfg.Channel.HistoryLimit, "Messages kept per room")

	flag.DurationVar(&cfg.OperationTimeout, "op-timeout", cfg.OperationTimeout, "Deadline for blocking operations")
	flag.DurationVar(&cfg.SessionIdleTimeout, "idle-timeout", cfg.SessionIdleTimeout, "Idle sessions are terminated after this (0 = never)")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Session token lifetime (0 = no expiry)")
	flag.DurationVar(&cfg.MetricsLogInterval, "metrics-log", cfg.MetricsLogInterval, "Periodic metrics log interval (0 = disabled)")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: "+logging.FormatNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("roomchat-server", version.Full())
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

	cfg.Attachments.AllowedTypes = splitList(*allowedTypes)
	// The signing key is read from the environment so it stays out of ps output.
	if secret := os.Getenv("ROOMCHAT_TOKEN_SECRET"); secret != "" {
		cfg.TokenSecret = []byte(secret)
	}

	st, err := openStore(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle export command (run and exit)
	if *exportRooms {
		defer st.Close()
		if cfg.RoomsFile != "" {
			if err := rooms.LoadCatalogFromYAML(cfg.RoomsFile, st); err != nil {
				slog.Error("load rooms", "err", err)
				os.Exit(1)
			}
		}
		data, err := rooms.ExportCatalogYAML(st)
		if err != nil {
			slog.Error("export rooms", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	slog.Info("starting roomchat", "version", version.String())
	deps := server.Dependencies{Store: st}
	if cfg.DBPath != "" {
		deps.Journal = st
	}
	srv, err := server.New(cfg, deps)
	if err != nil {
		_ = st.Close()
		slog.Error("server init", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func openStore(path string) (datastore.DataStore, error) {
	if path == "" {
		return datastore.NewMemory(), nil
	}
	return datastore.NewSQLStore(path)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
