// compcached serves a persistent compute cache rooted at a directory. It
// writes a discovery file into the root so clients can find it, and holds an
// advisory lock on the root for its lifetime.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/goforj/compcache"
	"github.com/goforj/compcache/server"
)

func main() {
	cmd := &cli.Command{
		Name:  "compcached",
		Usage: "persistent compute cache daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "root",
				Usage:    "cache root directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "local-addr",
				Usage: "address for the shared-filesystem protocol (empty disables)",
				Value: "127.0.0.1:0",
			},
			&cli.StringFlag{
				Name:  "remote-addr",
				Usage: "address for the inline-payload protocol (empty disables)",
			},
			&cli.StringFlag{
				Name:  "nats-url",
				Usage: "NATS server URL for the remote protocol (empty disables)",
			},
			&cli.StringFlag{
				Name:  "nats-subject",
				Usage: "NATS subject to serve requests on",
				Value: "compcache.rpc",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-interval",
				Usage: "how often lease holders must report liveness",
				Value: compcache.DefaultHeartbeatInterval,
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "silence after which a lease is presumed abandoned",
				Value: compcache.DefaultHeartbeatTimeout,
			},
			&cli.DurationFlag{
				Name:  "read-cache-ttl",
				Usage: "how long hot payloads stay in the in-memory read cache",
				Value: compcache.DefaultReadCacheTTL,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose logging",
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "compcached:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log, err := buildLogger(cmd.Bool("debug"))
	if err != nil {
		return err
	}
	defer log.Sync()

	srv, err := server.New(server.Options{
		Config: compcache.Config{
			RootDir:           cmd.String("root"),
			HeartbeatInterval: cmd.Duration("heartbeat-interval"),
			HeartbeatTimeout:  cmd.Duration("heartbeat-timeout"),
			ReadCacheTTL:      cmd.Duration("read-cache-ttl"),
		},
		LocalAddr:   cmd.String("local-addr"),
		RemoteAddr:  cmd.String("remote-addr"),
		NATSURL:     cmd.String("nats-url"),
		NATSSubject: cmd.String("nats-subject"),
		Logger:      log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	done := make(chan error, 1)
	go func() { done <- srv.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timed out")
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
