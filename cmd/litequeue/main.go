// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command litequeue runs SQL against a database file through a serial access queue.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/FerretDB/litequeue/build/version"
	"github.com/FerretDB/litequeue/internal/queue"
	"github.com/FerretDB/litequeue/internal/util/ctxutil"
	"github.com/FerretDB/litequeue/internal/util/debug"
	"github.com/FerretDB/litequeue/internal/util/logging"
	"github.com/FerretDB/litequeue/internal/util/observability"
	"github.com/FerretDB/litequeue/internal/util/resource"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	DB          string        `default:"litequeue.db" help:"Database file path, ':memory:', or 'file:' URI." name:"db"`
	BusyTimeout time.Duration `default:"2s"           help:"How long to retry when the database is locked; negative value disables retries."`
	NoCache     bool          `default:"false"        help:"Do not cache prepared statements."`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}"                     enum:"${enum_log_format}"`
		UUID   bool   `default:"false"                help:"Add instance UUID to all log messages." negatable:""`
	} `embed:"" prefix:"log-"`

	DebugAddr          string `default:"-" help:"Listen address for HTTP handlers for metrics, pprof, etc; '-' disables them."`
	OtelTracesEndpoint string `default:""  help:"OpenTelemetry OTLP/HTTP traces endpoint (host:port); empty disables tracing."`

	Exec struct {
		SQL string `arg:"" help:"SQL script; statements are separated by semicolons."`
	} `cmd:"" help:"Execute SQL script, printing rows produced by its statements."`

	Query struct {
		SQL  string   `arg:"" help:"SQL statement."`
		Args []string `arg:"" help:"Positional arguments; integers, floats and NULL are recognized, everything else is text." optional:""`
	} `cmd:"" help:"Run SQL query and print rows as tab-separated values."`

	Schema struct{} `cmd:"" help:"Print database schema."`

	Version struct{} `cmd:"" help:"Print version to stdout and exit."`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),

			"enum_log_format": strings.Join(logging.Formats, ","),

			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logging.Formats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("LITEQUEUE"),
	}
)

func main() {
	kctx := kong.Parse(&cli, kongOptions...)

	os.Exit(run(kctx.Command()))
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if version.Get().DebugBuild {
		return zap.DebugLevel
	}

	return zap.WarnLevel
}

// setupLogger setups zap logger.
func setupLogger() *zap.Logger {
	info := version.Get()

	startupFields := []zap.Field{
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.String("branch", info.Branch),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
		zap.String("engine", info.EngineVersion),
		zap.Any("buildEnvironment", info.BuildEnvironment),
	}

	logUUID := uuid.NewString()

	// unless requested, don't add UUID to all messages, but log it once at startup
	if !cli.Log.UUID {
		startupFields = append(startupFields, zap.String("uuid", logUUID))
		logUUID = ""
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	l := logging.Setup(level, cli.Log.Format, logUUID, info.DebugBuild)

	l.Info("Starting litequeue "+info.Version+"...", startupFields...)

	if info.DebugBuild {
		l.Info("This is debug build. The performance will be affected.")

		resource.Stacks = true
	}

	return l
}

// dumpMetrics dumps all Prometheus metrics to stderr.
func dumpMetrics(l *zap.Logger) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		l.Warn("Failed to gather metrics", zap.Error(err))
	}

	for _, mf := range mfs {
		if _, err = expfmt.MetricFamilyToText(os.Stderr, mf); err != nil {
			l.Warn("Failed to dump metrics", zap.Error(err))
			return
		}
	}
}

// printVersion prints version information to stdout.
func printVersion() {
	info := version.Get()

	fmt.Fprintln(os.Stdout, "version:", info.Version)
	fmt.Fprintln(os.Stdout, "commit:", info.Commit)
	fmt.Fprintln(os.Stdout, "branch:", info.Branch)
	fmt.Fprintln(os.Stdout, "dirty:", info.Dirty)
	fmt.Fprintln(os.Stdout, "debugBuild:", info.DebugBuild)
	fmt.Fprintln(os.Stdout, "engine:", info.EngineVersion)
}

// run sets up environment based on provided flags, runs the given command,
// and returns the process exit code.
func run(command string) int {
	if command == "version" {
		printVersion()
		return 0
	}

	info := version.Get()

	// to increase a chance of resource finalizers to spot problems
	if info.DebugBuild {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	// safe to always enable
	runtime.SetBlockProfileRate(10000)

	logger := setupLogger()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	shutdownOtel, err := observability.SetupOtel(&observability.OtelConfig{
		Service:  "litequeue",
		Version:  info.Version,
		Endpoint: cli.OtelTracesEndpoint,
	})
	if err != nil {
		logger.Sugar().Fatalf("Failed to setup OpenTelemetry: %s.", err)
	}

	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			logger.Warn("Failed to shutdown OpenTelemetry", zap.Error(err))
		}
	}()

	ctx, stop := ctxutil.SigTerm(context.Background())
	defer stop()

	var wg sync.WaitGroup

	// keep serving metrics for a while after a signal
	debugCtx, debugCancel := ctxutil.WithDelay(ctx.Done(), 3*time.Second)

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		h, err := debug.Listen(&debug.ListenOpts{
			TCPAddr: cli.DebugAddr,
			L:       logger.Named("debug"),
			R:       prometheus.DefaultRegisterer,
		})
		if err != nil {
			logger.Sugar().Fatalf("Failed to create debug handler: %s.", err)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			h.Serve(debugCtx)
		}()
	}

	q := queue.New(&queue.Config{
		Path:            cli.DB,
		BusyTimeout:     cli.BusyTimeout,
		CacheStatements: !cli.NoCache,
		L:               logger,
	})

	prometheus.DefaultRegisterer.MustRegister(q)

	code := 0

	if err = runCommand(ctx, command, q, os.Stdout); err != nil {
		logger.Error("Command failed", zap.String("command", command), zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)

		code = 1
	}

	if err = q.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
		code = 1
	}

	debugCancel()
	wg.Wait()

	if info.DebugBuild {
		dumpMetrics(logger)
	}

	return code
}
