// Command childrun is the harness a debuggable program links against:
// it dials the validator's registration socket, announces a program id,
// and services invocations with a registered runtime.EntrypointFunc
// until the connection is torn down. A real deployment would load a
// dynamic program; this harness only ever runs the bundled demo
// program, the way original_source/test-program's cdylib was loaded by
// hand during development.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gagliardetto/solana-go"

	"go.sealevel.dev/emulator/internal/testprogram"
	"go.sealevel.dev/emulator/pkg/runtime"
	"go.sealevel.dev/emulator/pkg/wire"
)

func newLogger() *zap.Logger {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(os.Stdout), zap.DebugLevel)
		return zap.New(core)
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(os.Stdout), zap.InfoLevel)
	return zap.New(core)
}

func main() {
	var socketPath, programIDStr string

	root := &cobra.Command{
		Use:   "childrun",
		Short: "Connects the bundled demo program to a running validator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(socketPath, programIDStr)
		},
	}
	root.Flags().StringVar(&socketPath, "socket-path", "sealevel-emulator.sock", "validator's unix socket")
	root.Flags().StringVar(&programIDStr, "program-id", "", "base58 program id to register as (defaults to an all-zero placeholder)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(socketPath, programIDStr string) error {
	logger := newLogger()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var programID solana.PublicKey
	if programIDStr != "" {
		pk, err := solana.PublicKeyFromBase58(programIDStr)
		if err != nil {
			return fmt.Errorf("parsing --program-id: %w", err)
		}
		programID = pk
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	channel := wire.New(conn)
	rt := runtime.New(channel, runtime.Program{
		ID:         programID,
		Entrypoint: testprogram.Entrypoint,
	}, logger)

	logger.Info("childrun connected", zap.String("socket_path", socketPath), zap.Stringer("program_id", programID))
	return rt.Run(ctx)
}
