package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/takumi3488/gqlforge/internal/config"
	"github.com/takumi3488/gqlforge/internal/engine"
	"github.com/takumi3488/gqlforge/internal/eventbus"
	"github.com/takumi3488/gqlforge/internal/protoreg"
	"github.com/takumi3488/gqlforge/internal/server"
	"github.com/takumi3488/gqlforge/internal/telemetry"
	"github.com/takumi3488/gqlforge/internal/watch"
)

const rootUsage = `gqlforge — declarative GraphQL gateway

USAGE:
  gqlforge <command> [flags] <schema files...>

COMMANDS:
  serve            Run the HTTP GraphQL gateway from SDL configuration
  check            Merge & validate the configuration, print diagnostics
  print-schema     Print the merged configuration as SDL
  print-proto      Render linked protobuf descriptors back to .proto files
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -addr <host:port>   Listen address; overrides @server host/port
  -watch              Reload configuration when files change
  -pretty             Pretty-print JSON responses; overrides @server pretty
  <schema files...>   One or more .graphql configuration files
`

const checkUsage = `check FLAGS:
  <schema files...>   One or more .graphql configuration files
  (Exits non-zero on merge or validation errors; N+1 advisories print
   as warnings and exit zero)
`

const printSchemaUsage = `print-schema FLAGS:
  -out <file>         Write merged SDL to file (default: stdout)
  <schema files...>   One or more .graphql configuration files
`

const printProtoUsage = `print-proto FLAGS:
  -out <dir>          Output directory for rendered .proto files (required)
  <schema files...>   One or more .graphql configuration files
`

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}

	if err := run(os.Args[1:], logger); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func run(args []string, logger zerolog.Logger) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}
	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs, logger)
	case "check":
		return cmdCheck(cmdArgs, logger)
	case "print-schema":
		return cmdPrintSchema(cmdArgs)
	case "print-proto":
		return cmdPrintProto(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "check":
		fmt.Print(checkUsage)
	case "print-schema":
		fmt.Print(printSchemaUsage)
	case "print-proto":
		fmt.Print(printProtoUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

func cmdServe(args []string, logger zerolog.Logger) error {
	addr := ""
	watchMode := false
	pretty := false

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.BoolVar(&watchMode, "watch", watchMode, "Reload configuration on change")
	fs.BoolVar(&pretty, "pretty", pretty, "Pretty-print JSON responses")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprint(os.Stderr, serveUsage)
		return fmt.Errorf("at least one schema file is required")
	}

	baseDir := filepath.Dir(files[0])
	eng := engine.New(engine.Options{
		Env:      envMap(),
		LoadLink: fileLinkLoader(baseDir),
		Logger:   logger,
	})
	defer eng.Close()

	docs, sources, err := loadDocuments(files)
	if err != nil {
		return err
	}
	if err := eng.Load(docs); err != nil {
		return err
	}
	cfg := eng.Config()

	eventbus.Use(eventbus.New())
	shutdown, err := telemetry.Setup(cfg.Runtime.Telemetry.OTLPEndpoint, cfg.Runtime.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchMode {
		w, err := watch.New(watch.Options{
			Paths:  watchPaths(sources),
			Logger: logger,
			Reload: func() error {
				docs, _, err := loadDocuments(files)
				if err != nil {
					return err
				}
				return eng.Load(docs)
			},
		})
		if err != nil {
			return err
		}
		go w.Run(ctx)
	}

	var sopts []server.Option
	if pretty || cfg.Runtime.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if t := cfg.Runtime.Server.Timeout; t > 0 {
		sopts = append(sopts, server.WithTimeout(time.Duration(t)*time.Millisecond))
	}
	if origins := cfg.Runtime.Server.AllowedOrigins; len(origins) > 0 {
		sopts = append(sopts, server.WithCORS(origins...))
	}
	sopts = append(sopts, server.WithBatching(cfg.Runtime.Server.EnableBatching))
	h := server.New(eng, sopts...)

	mux := http.NewServeMux()
	mux.Handle("/graphql", h)

	if addr == "" {
		host := cfg.Runtime.Server.Host
		port := cfg.Runtime.Server.Port
		if port == 0 {
			port = 8000
		}
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info().Str("addr", addr).Msg("GraphQL server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func cmdCheck(args []string, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, checkUsage)
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprint(os.Stderr, checkUsage)
		return fmt.Errorf("at least one schema file is required")
	}

	docs, _, err := loadDocuments(files)
	if err != nil {
		return err
	}
	eng := engine.New(engine.Options{
		Env:      envMap(),
		LoadLink: fileLinkLoader(filepath.Dir(files[0])),
		Logger:   logger,
	})
	diags, err := eng.Check(docs)
	if err != nil {
		return err
	}
	for _, d := range diags {
		logger.Warn().Str("path", d.Path).Msg(d.Message)
	}
	logger.Info().Int("files", len(files)).Int("advisories", len(diags)).Msg("configuration is valid")
	return nil
}

func cmdPrintSchema(args []string) error {
	outFile := ""
	fs := flag.NewFlagSet("print-schema", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outFile, "out", outFile, "Write merged SDL to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, printSchemaUsage)
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprint(os.Stderr, printSchemaUsage)
		return fmt.Errorf("at least one schema file is required")
	}

	docs, _, err := loadDocuments(files)
	if err != nil {
		return err
	}
	cfg, err := config.Merge(docs)
	if err != nil {
		return err
	}
	sdl := config.Render(cfg)
	if outFile == "" {
		fmt.Print(sdl)
		return nil
	}
	return os.WriteFile(outFile, []byte(sdl), 0o644)
}

func cmdPrintProto(args []string) error {
	outDir := ""
	fs := flag.NewFlagSet("print-proto", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outDir, "out", outDir, "Output directory for rendered .proto files")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, printProtoUsage)
		return err
	}
	files := fs.Args()
	if outDir == "" || len(files) == 0 {
		fmt.Fprint(os.Stderr, printProtoUsage)
		return fmt.Errorf("-out and at least one schema file are required")
	}

	docs, _, err := loadDocuments(files)
	if err != nil {
		return err
	}
	cfg, err := config.Merge(docs)
	if err != nil {
		return err
	}
	load := fileLinkLoader(filepath.Dir(files[0]))
	var sets [][]byte
	for _, l := range cfg.Links {
		if l.Type != config.LinkProtobuf {
			continue
		}
		raw, err := load(l.Src)
		if err != nil {
			return fmt.Errorf("link %q: %w", l.Src, err)
		}
		sets = append(sets, raw)
	}
	if len(sets) == 0 {
		return fmt.Errorf("no Protobuf links in configuration")
	}
	reg, err := protoreg.NewRegistry(sets...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return protoreg.Render(reg, outDir)
}

// loadDocuments parses the named files and recursively follows Config links.
// It returns the documents in load order plus every file that contributed,
// for watch mode.
func loadDocuments(files []string) ([]*config.Document, []string, error) {
	var docs []*config.Document
	var sources []string
	seen := map[string]bool{}

	var load func(path string) error
	load = func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if seen[abs] {
			return nil
		}
		seen[abs] = true

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc, err := config.Parse(filepath.Base(path), string(raw))
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		sources = append(sources, abs)

		for _, l := range doc.Links {
			if l.Type == config.LinkConfig {
				if err := load(filepath.Join(filepath.Dir(path), l.Src)); err != nil {
					return fmt.Errorf("link %q: %w", l.Src, err)
				}
			}
		}
		return nil
	}

	for _, f := range files {
		if err := load(f); err != nil {
			return nil, nil, err
		}
	}
	return docs, sources, nil
}

// fileLinkLoader resolves relative @link srcs against the configuration
// directory.
func fileLinkLoader(baseDir string) func(string) ([]byte, error) {
	return func(src string) ([]byte, error) {
		if !filepath.IsAbs(src) {
			src = filepath.Join(baseDir, src)
		}
		return os.ReadFile(src)
	}
}

// watchPaths returns the distinct directories containing the source files so
// atomic rename-into-place saves are observed.
func watchPaths(sources []string) []string {
	set := map[string]bool{}
	for _, s := range sources {
		set[filepath.Dir(s)] = true
	}
	dirs := make([]string, 0, len(set))
	for d := range set {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

func envMap() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
