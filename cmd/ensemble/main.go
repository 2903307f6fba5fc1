// Command ensemble runs the agent orchestration server.
//
// Usage:
//
//	ensemble serve --config ensemble.yaml
//	ensemble validate --config ensemble.yaml
//	ensemble schema
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/invopop/jsonschema"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/config/provider"
	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/observability"
	"github.com/ensemble-ai/ensemble/pkg/runtime"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the configuration JSON schema."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"ensemble.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)." default:""`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("ensemble version %s\n", version)
	return nil
}

type ServeCmd struct {
	Watch bool `help:"Watch the config file and hot-reload agent, chain and prompt definitions."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Get().Info("Shutting down")
		cancel()
	}()

	src, err := provider.NewFileProvider(cli.Config)
	if err != nil {
		return configError(err)
	}
	defer src.Close()

	var rt *runtime.Runtime
	loader := config.NewLoader(src, config.WithOnChange(func(cfg *config.Config) {
		if rt != nil {
			rt.Reload(cfg)
		}
	}))

	cfg, err := loader.Load(ctx)
	if err != nil {
		return configError(err)
	}
	initLogging(cli, cfg)

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return runtimeError(fmt.Errorf("observability: %w", err))
	}
	defer obs.Shutdown(context.Background())

	rt, err = runtime.Build(ctx, cfg)
	if err != nil {
		return runtimeError(err)
	}
	defer rt.Close()

	if c.Watch {
		if err := loader.Watch(ctx); err != nil {
			return runtimeError(fmt.Errorf("config watch: %w", err))
		}
	}

	if err := rt.Server.Start(ctx); err != nil {
		return runtimeError(err)
	}
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFile(context.Background(), cli.Config)
	if err != nil {
		return configError(err)
	}
	fmt.Printf("%s: valid (%d providers, %d agents, %d chains)\n",
		cli.Config, len(cfg.Providers), len(cfg.Agents), len(cfg.Chains))
	return nil
}

type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&config.Config{})
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return runtimeError(err)
	}
	fmt.Println(string(out))
	return nil
}

// initLogging applies CLI flags over config file settings.
func initLogging(cli *CLI, cfg *config.Config) {
	levelStr := cfg.Server.LogLevel
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level, _ = logger.ParseLevel("info")
	}

	format := cfg.Server.LogFormat
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}

	output := os.Stderr
	logFile := cfg.Server.LogFile
	if cli.LogFile != "" {
		logFile = cli.LogFile
	}
	if logFile != "" {
		if file, _, err := logger.OpenLogFile(logFile); err == nil {
			output = file
		}
	}

	logger.Init(level, output, format)
}

type exitCoded struct {
	err  error
	code int
}

func (e *exitCoded) Error() string { return e.err.Error() }

func configError(err error) error  { return &exitCoded{err: err, code: exitConfig} }
func runtimeError(err error) error { return &exitCoded{err: err, code: exitRuntime} }

func main() {
	// .env is optional; a present but malformed one is worth a warning.
	if err := config.LoadDotEnv(""); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("ensemble"),
		kong.Description("Multi-tenant agent orchestration server."),
		kong.UsageOnError(),
	)

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if coded, ok := err.(*exitCoded); ok {
			os.Exit(coded.code)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}
