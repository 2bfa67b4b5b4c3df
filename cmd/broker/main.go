// Command broker runs the chat relay and file-transfer fan-out server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jeremimucha/jamim/broker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		controlPort = pflag.IntP("control-port", "c", 9000, "TCP port for client control connections")
		filePort    = pflag.IntP("file-port", "f", 9001, "TCP port for client file connections")
		verbose     = pflag.Bool("verbose", false, "raise the log level to debug")
	)
	pflag.Parse()

	zapCfg := zap.NewDevelopmentConfig()
	if !*verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := broker.NewServer(
		fmt.Sprintf("0.0.0.0:%d", *controlPort),
		fmt.Sprintf("0.0.0.0:%d", *filePort),
		log,
	)

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorw("broker exited", "err", err)
		return 1
	}
	return 0
}
