// Command leecher downloads a single torrent's content to disk.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"
	"github.com/relaydev/leecher/internal/config"
	"github.com/relaydev/leecher/internal/coordinator"
	"github.com/relaydev/leecher/internal/logging"
	"github.com/relaydev/leecher/internal/metainfo"
)

func main() {
	app := kingpin.New("leecher", "A leecher-only BitTorrent client.")

	torrentFile := app.Arg("torrent_file", "Path to the .torrent file").Required().String()
	output := app.Flag("output", "Directory to download into").Default("./downloads").String()
	numPeers := app.Flag("peers", "Maximum number of concurrent peer connections").Default("50").Int()
	verbose := app.Flag("verbose", "Enable debug-level logging").Bool()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.DefaultConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize config:", err)
		os.Exit(1)
	}
	cfg.DownloadDir = *output
	cfg.MaxPeers = *numPeers
	cfg.Verbose = *verbose
	config.Init(cfg)

	log := setupLogger(cfg)

	data, err := os.ReadFile(*torrentFile)
	if err != nil {
		log.Error("failed to read torrent file", "path", *torrentFile, "error", err)
		os.Exit(1)
	}

	info, err := metainfo.Parse(data)
	if err != nil {
		log.Error("failed to parse torrent file", "path", *torrentFile, "error", err)
		os.Exit(1)
	}

	log.Info("starting download",
		"name", info.Name,
		"size", info.Size(),
		"pieces", len(info.Pieces),
		"output", cfg.DownloadDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	co, err := coordinator.New(info, cfg, log)
	if err != nil {
		log.Error("failed to initialize coordinator", "error", err)
		os.Exit(1)
	}

	if err := co.Run(ctx); err != nil {
		log.Error("download failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.Config) *slog.Logger {
	opts := logging.DefaultOptionsFor(cfg)

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	log := slog.New(h)
	slog.SetDefault(log)

	return log
}
