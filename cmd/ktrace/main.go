package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/ktrace/internal/logutil"
	"github.com/getsentry/ktrace/internal/wire"
)

const defaultStorageTimeout = time.Minute

type environment struct {
	config ServiceConfig

	specs  *wire.SpecCache
	stdout io.Writer
}

type command struct {
	usage string
	run   func(e *environment, ctx context.Context, args []string) error
}

var release string

var commands = map[string]command{
	"list":       {"[-backtrace] [-symbols BIN] [-since NS] [-until NS] <capture>", (*environment).list},
	"summary":    {"[-json] <capture>", (*environment).summary},
	"duration":   {"[-sort] [-names a,b] [-json] <capture>", (*environment).duration},
	"convert":    {"-o OUT <capture>", (*environment).convert},
	"speedscope": {"[-o OUT] <capture>", (*environment).speedscope},
	"pprof":      {"-o OUT [-symbols BIN] <capture>", (*environment).pprof},
}

var errUsage = errors.New("usage")

func newEnvironment(config ServiceConfig, stdout io.Writer) (*environment, error) {
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = defaultStorageTimeout
	}
	specs, err := config.specCache()
	if err != nil {
		return nil, err
	}
	return &environment{config: config, specs: specs, stdout: stdout}, nil
}

func (e *environment) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	return cmd.run(e, ctx, args[1:])
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: ktrace [-config FILE] <command> [flags] <capture>\n\n")
	fmt.Fprintf(w, "A capture is a local path or a blob URL (file://, gs://, s3://).\n\n")
	fmt.Fprintf(w, "Commands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(w, "\nEnvironment:\n")
	fmt.Fprintf(w, "  KTRACE_LOG_LEVEL, KTRACE_ADDR2LINE, KTRACE_SYMBOL_BINARY, KTRACE_SYMBOL_CACHE,\n")
	fmt.Fprintf(w, "  KTRACE_SPEC_CACHE_SIZE, KTRACE_STORAGE_TIMEOUT, SENTRY_DSN, SENTRY_ENVIRONMENT\n")
}

func main() {
	fs := flag.NewFlagSet("ktrace", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file (yaml, toml, json or env)")
	fs.Usage = func() { usage(fs.Output()) }
	_ = fs.Parse(os.Args[1:])

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't read the configuration: %v\n", err)
		os.Exit(2)
	}
	if err := logutil.ConfigureLogger(config.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "can't configure the logger: %v\n", err)
		os.Exit(2)
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:         config.SentryDSN,
		Environment: config.Environment,
		Release:     release,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	env, err := newEnvironment(config, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = env.run(ctx, fs.Args())
	stop()
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		sentry.CaptureException(err)
		sentry.Flush(5 * time.Second)
		log.Fatal().Err(err).Str("command", fs.Arg(0)).Msg("command failed")
	}
	sentry.Flush(5 * time.Second)
}
