package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gangwayhq/gangway/internal/bridge"
	"github.com/gangwayhq/gangway/internal/config"
	"github.com/gangwayhq/gangway/internal/imstore"
	"github.com/gangwayhq/gangway/internal/ipc"
	"github.com/gangwayhq/gangway/internal/locald"
	"github.com/gangwayhq/gangway/internal/resolve"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	flagStore   string
	flagSocket  string
	flagWS      string
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gangway",
		Short: "Command engine for the messaging bridge",
		Long: `Gangway sits between a chat bridge and the local messaging
daemon. It speaks a newline-delimited JSON command protocol on one side
and resolves message history out of the daemon's record store on the
other.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "Record store path (or GANGWAY_STORE env var)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("gangway v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the protocol engine",
		Long: `Serve runs the protocol engine over stdio by default, so a
bridge can spawn gangway as a child process. With --socket or --ws it
listens instead and runs one engine per accepted connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	cmd.Flags().StringVar(&flagSocket, "socket", "", "Listen on a unix socket instead of stdio")
	cmd.Flags().StringVar(&flagWS, "ws", "", "Listen for WebSocket connections on this address")
	return cmd
}

func runServe() error {
	cfg, err := config.Load(config.Flags{
		StorePath:  flagStore,
		SocketPath: flagSocket,
		WSListen:   flagWS,
	})
	if err != nil {
		return err
	}

	log := newLogger()

	store, err := imstore.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()

	resolver := resolve.New(store, log, cfg.ResolveQPS, cfg.ResolveBurst)
	registry := locald.NewRegistry(store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Each connection gets its own engine; the store, resolver, and
	// registry are shared and safe for concurrent use.
	serve := func(ctx context.Context, ch ipc.Channel) {
		engine := ipc.New(ch, log, ipc.Options{
			RequestTimeout: cfg.RequestTimeout,
			QueueSize:      cfg.QueueSize,
		})
		events := bridge.NewEvents(engine)
		daemon := locald.NewDaemon(store, events, log)
		bridge.RegisterAll(engine, bridge.Deps{
			Registry:     registry,
			Daemon:       daemon,
			Resolver:     resolver,
			Store:        store,
			Log:          log,
			DefaultLimit: cfg.DefaultLimit,
		})
		if err := engine.Run(ctx); err != nil {
			log.Error().Err(err).Msg("engine stopped")
		}
	}

	switch {
	case cfg.SocketPath != "":
		srv := ipc.NewSocketServer(cfg.SocketPath, log)
		if err := srv.Start(ctx, serve); err != nil {
			return err
		}
		log.Info().Str("socket", cfg.SocketPath).Msg("listening")
		<-ctx.Done()
		return srv.Stop()

	case cfg.WSListen != "":
		srv := ipc.NewWSServer(cfg.WSListen, log)
		if err := srv.Start(ctx, serve); err != nil {
			return err
		}
		log.Info().Str("addr", cfg.WSListen).Msg("listening")
		<-ctx.Done()
		return srv.Stop(context.Background())

	default:
		log.Info().Msg("serving on stdio")
		serve(ctx, ipc.NewStdioChannel(os.Stdin, os.Stdout))
		return nil
	}
}

// newLogger writes human-readable logs when stderr is a terminal and JSON
// otherwise. The protocol owns stdout, so logs never go there.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		w := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
