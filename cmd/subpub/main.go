// Command subpub is a reference embedder: it loads a YAML config, wires
// a minimal alert registry that logs channel.chat.message notifications
// (other topics fall back to GenericAlert), and runs
// the Bot until its reconnect budget is exhausted or it receives
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashgrove/subpub"
	"github.com/ashgrove/subpub/internal/alert"
	"github.com/ashgrove/subpub/internal/config"
	"github.com/ashgrove/subpub/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("subpub", flag.ExitOnError)
	configPath := fs.String("config", "subpub.yaml", "path to config YAML file")
	storagePath := fs.String("storage-path", "", "storage file (sqlite) or directory (json); defaults per storage_type")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath, *storagePath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, storagePath string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := alert.NewRegistry()
	registry.Register("channel.chat.message", func(evt alert.Event) alert.Alert {
		return &loggingAlert{evt: evt}
	})

	cfg := subpub.FromLoaded(loaded, registry)
	cfg.StoragePath = storagePath

	bot, err := subpub.New(cfg)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Start(ctx); err != nil {
		return fmt.Errorf("start bot: %w", err)
	}

	slog.Info("subpub running", "client_id", cfg.ClientID)

	errCh := make(chan error, 1)
	go func() { errCh <- bot.Hold() }()

	select {
	case err := <-errCh:
		bot.Stop()
		return err
	case <-ctx.Done():
		bot.Stop()
		return nil
	}
}

// loggingAlert is the reference embedder's default Alert: it just logs
// the event and lets the default archival path store it.
type loggingAlert struct {
	evt alert.Event
}

func (a *loggingAlert) Priority() int          { return 2 }
func (a *loggingAlert) QueueSkip() bool        { return false }
func (a *loggingAlert) Store() alert.StoreMode { return alert.StoreDefault() }
func (a *loggingAlert) Event() alert.Event     { return a.evt }
func (a *loggingAlert) Process(ctx context.Context) error {
	slog.Info("alert processed", "channel", a.evt.Channel, "message_id", a.evt.MessageID)
	return nil
}
