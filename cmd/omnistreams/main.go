// Package main is the entrypoint for omnistreams.
//
// Usage:
//
//	omnistreams [flags] [serve]
//	omnistreams [flags] send FILE...
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/server"
	"github.com/AutoMQ/omnistreams/pkg/server/config"
)

const (
	_modeServe = "serve"
	_modeSend  = "send"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:], os.Stderr)
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(2)
	}

	// check config
	err = cfg.Adjust()
	logger := cfg.Logger()
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	syncLogger := func() { _ = logger.Sync() }
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		exit(1, syncLogger)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}

	if cfg.PrintConfig {
		if err := cfg.WriteTOML(os.Stdout); err != nil {
			logger.Error("failed to print config", zap.Error(err))
			exit(1, syncLogger)
		}
		exit(0, syncLogger)
	}
	logger.Info("running", zap.Strings("args", os.Args))

	mode, args := _modeServe, cfg.Args
	if len(args) > 0 {
		mode, args = args[0], args[1:]
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	switch mode {
	case _modeServe:
		serve(ctx, cfg, logger, syncLogger)
		logger.Info("got signal to exit", zap.Stringer("signal", sig))
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			exit(0, syncLogger)
		default:
			exit(1, syncLogger)
		}

	case _modeSend:
		if len(args) == 0 {
			logger.Error("nothing to send, pass the files as arguments")
			exit(2, syncLogger)
		}
		err := send(ctx, cfg.Send, cfg.Transport, args, logger)
		cancel()
		if err != nil {
			logger.Error("failed to send files", zap.Error(err))
			exit(1, syncLogger)
		}
		exit(0, syncLogger)

	default:
		logger.Error("unknown mode", zap.String("mode", mode))
		exit(2, syncLogger)
	}
}

// serve runs the server until ctx is done
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, syncLogger func()) {
	svr, err := server.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create server", zap.Error(err))
		exit(1, syncLogger)
	}

	err = svr.Start()
	if err != nil {
		logger.Error("failed to start server", zap.Error(err))
		exit(1, syncLogger)
	}

	<-ctx.Done()
	if err := svr.Close(); err != nil {
		logger.Warn("failed to close server", zap.Error(err))
	}
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
