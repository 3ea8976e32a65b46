package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/stealthrocket/microvisor/imports"
)

const Version = "devel"

// cageEnv names the environment variable holding the identity of the cage
// the guest issues system calls for.
const cageEnv = "MICROVISOR_CAGE"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("cagerun", Version)
		return
	}
	if err := run(os.Args[1:]); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cagerun - Run a WebAssembly module in a cage

USAGE:
   cagerun [OPTIONS]... <MODULE> [--] [ARGS]...

OPTIONS:
%s`, flagSet.FlagUsages())
}

type exitCode uint32

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", uint32(c)) }
func (c exitCode) ExitCode() int { return int(c) }

func run(args []string) error {
	config, args, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if len(args) < 1 {
		return errors.New("usage: cagerun [OPTIONS]... <MODULE> [--] [ARGS]...")
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log_level")
	}
	logger.SetLevel(level)

	wasmFile := args[0]
	wasmName := filepath.Base(wasmFile)
	wasmCode, err := os.ReadFile(wasmFile)
	if err != nil {
		return errors.Wrapf(err, "could not read WASM file %q", wasmFile)
	}
	args = args[1:]
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return errors.Wrap(err, "resolving root directory")
	}
	lock := flock.New(root + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrapf(err, "locking root directory %q", root)
	}
	if !locked {
		return errors.Errorf("root directory %q is used by another runtime", root)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	ctx, c, err := imports.NewBuilder().
		WithRoot(root).
		WithHostname(config.Hostname).
		WithListens(config.Listen...).
		WithDials(config.Dial...).
		WithPipeCapacity(config.PipeCapacity, config.SocketpairCapacity).
		WithRecvTimeout(config.RecvTimeout).
		WithSelectInterval(config.SelectInterval).
		WithCredentials(config.UID, config.GID).
		WithLogger(logger).
		WithTracer(config.Trace, os.Stderr).
		Instantiate(ctx, runtime)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"module": wasmName,
		"root":   root,
		"cage":   c.ID(),
	}).Debug("starting guest")

	instance, err := runtime.InstantiateWithConfig(ctx, wasmCode, wazero.NewModuleConfig().
		WithName(wasmName).
		WithArgs(append([]string{wasmName}, args...)...).
		WithEnv(cageEnv, strconv.FormatUint(c.ID(), 10)).
		WithStdin(os.Stdin).
		WithStdout(os.Stdout).
		WithStderr(os.Stderr))
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			c.Exit(int32(exitErr.ExitCode()))
			if code := exitErr.ExitCode(); code != 0 {
				return exitCode(code)
			}
			return nil
		}
		c.Exit(-1)
		return err
	}
	c.Exit(0)
	return instance.Close(ctx)
}
