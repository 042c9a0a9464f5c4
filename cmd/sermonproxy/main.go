package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulzo/sermon-proxy/internal/cli"
	"github.com/nulzo/sermon-proxy/internal/config"
)

const usageText = `sermonproxy talks to the sermon AI proxy.

Usage:
  sermonproxy [flags] <command> [command flags]

Commands:
  auth       exchange the installation token for a credential
  balance    show the remaining token balance
  generate   run a generation; the prompt is read from args or stdin
  retry      resend the last request that was still processing
  usage      export|summary|recent over the usage database
  version    print the version, -check for updates

Flags:
`

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"auth":     runAuth,
	"balance":  runBalance,
	"generate": runGenerate,
	"retry":    runRetry,
	"usage":    runUsage,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	if err != nil && !errors.Is(err, flag.ErrHelp) {
		_, _ = fmt.Fprintf(os.Stderr, "%s %v\n", cli.CrossMark(), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sermonproxy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	noColor := fs.Bool("no-color", false, "Disable colored output")
	metricsOut := fs.String("metrics-out", "", "Write session metrics to this file on exit")
	fs.Usage = func() {
		_, _ = fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *noColor {
		cli.SetEnabled(false)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return flag.ErrHelp
	}
	name, cmdArgs := rest[0], rest[1:]

	if name == "version" {
		return runVersion(ctx, stdout, cmdArgs)
	}
	fn, ok := commands[name]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a, cmdArgs); err != nil {
		return err
	}
	return a.writeMetrics(*metricsOut)
}
