// Command client connects to a broker's control and file endpoints and
// drives a chat/file-transfer session from standard input and output.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jeremimucha/jamim/client"
	"github.com/jeremimucha/jamim/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		host        = pflag.String("host", "127.0.0.1", "broker host")
		controlPort = pflag.IntP("control-port", "c", 9000, "broker control port")
		filePort    = pflag.IntP("file-port", "f", 9001, "broker file port")
		verbose     = pflag.Bool("verbose", false, "raise the log level to debug")
	)
	pflag.Parse()

	zapCfg := zap.NewDevelopmentConfig()
	if !*verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	log := logger.Sugar()

	controlAddr := fmt.Sprintf("%s:%d", *host, *controlPort)
	fileAddr := fmt.Sprintf("%s:%d", *host, *filePort)

	controlConn, err := net.DialTimeout("tcp", controlAddr, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: dial control: %v\n", err)
		return 1
	}

	id, err := transport.ReadPeerID(controlConn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: reading assigned id: %v\n", err)
		return 1
	}

	fileConn, err := net.DialTimeout("tcp", fileAddr, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: dial file: %v\n", err)
		return 1
	}
	if err := transport.WritePeerID(fileConn, id); err != nil {
		fmt.Fprintf(os.Stderr, "client: announcing id on file socket: %v\n", err)
		return 1
	}

	core := client.New(id, controlConn, fileConn, log, os.Stdout)
	fmt.Fprintf(os.Stdout, "[local] connected as participant %d\n", id)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := core.Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		return 1
	}
	return 0
}
