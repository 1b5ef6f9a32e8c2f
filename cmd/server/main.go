package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/linechat/internal/server"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "linechat server: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	port := flags.Int("port", server.DefaultPort, "TCP port to listen on")
	configPath := flags.String("config", "config.yml", "path to the YAML configuration file")
	if err := flags.Parse(args); err != nil {
		return exitConfig, err
	}

	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, found, err := server.LoadConfig(*configPath)
	if err != nil {
		return exitConfig, err
	}

	// An explicit --port wins over the file and the environment.
	flags.Visit(func(f *flag.Flag) {
		if f.Name == "port" {
			cfg.Port = *port
		}
	})
	if err := cfg.Validate(); err != nil {
		return exitConfig, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	if found {
		logger.Info("loaded config", "path", *configPath, "port", cfg.Port, "banned_ips", cfg.BannedIPs)
	} else {
		logger.Info("using default configuration", "port", cfg.Port)
	}

	relay, err := server.NewRelay(cfg, logger)
	if err != nil {
		return exitConfig, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := relay.ListenAndServe(gctx)
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})

	if cfg.HTTPPort > 0 {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort))
		httpServer := server.CreateServer(addr, server.SetupRoutes(relay))
		g.Go(func() error {
			if err := server.StartServer(httpServer, logger); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger)
		})
	}

	if err := g.Wait(); err != nil {
		// Make sure participants hear about it when the HTTP side failed first.
		_ = relay.Shutdown(cfg.ShutdownTimeout)
		return exitRuntime, err
	}
	return exitOK, nil
}
