package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/connect"
	"github.com/hpungsan/landscape/internal/coordinator"
	"github.com/hpungsan/landscape/internal/db"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/graph"
	"github.com/hpungsan/landscape/internal/landscape"
	"github.com/hpungsan/landscape/internal/logging"
	"github.com/hpungsan/landscape/internal/mcp"
	"github.com/hpungsan/landscape/internal/metrics"
	"github.com/hpungsan/landscape/internal/ops"
	"github.com/hpungsan/landscape/internal/transport"
	"github.com/hpungsan/landscape/internal/web"
)

// env holds the state shared by commands. It is opened lazily so help and
// version never touch the database.
type env struct {
	baseDir string
	cfg     *config.Config
	sqlDB   *sql.DB
	logger  *zap.Logger
}

// open resolves the base directory, loads config and opens SQLite.
func (e *env) open(c *cli.Context) error {
	if e.sqlDB != nil {
		return nil
	}

	baseDir := c.String("dir")
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not determine home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".landscape")
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = baseDir
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sqlDB, err := db.Init(baseDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	db.ConfigurePool(sqlDB, cfg)

	e.baseDir = baseDir
	e.cfg = cfg
	e.sqlDB = sqlDB
	e.logger = logging.New(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	return nil
}

func (e *env) close() {
	if e.sqlDB != nil {
		e.sqlDB.Close()
		e.sqlDB = nil
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

// landscapeOptions controls how loadLandscape wires the in-memory landscape.
type landscapeOptions struct {
	// persist writes new records back to SQLite.
	persist bool
	metrics *metrics.Metrics
}

// loadLandscape builds the database, graph and coordinator from the persisted
// landscape.
func (e *env) loadLandscape(ctx context.Context, opts landscapeOptions) (*coordinator.Coordinator, error) {
	cfg := e.cfg

	dbOpts := landscape.Options{
		EnergyTolerance: cfg.EnergyTolerance,
		Dimension:       cfg.Dimension,
		Comparer: landscape.DistanceComparer{
			Tolerance:            cfg.DistanceTolerance,
			TranslationInvariant: cfg.TranslationInvariant,
		},
		Logger:  e.logger,
		Metrics: opts.metrics,
	}
	if opts.persist && !cfg.DisablePersistence {
		dbOpts.Persister = db.NewStore(e.sqlDB, db.DefaultBreakerConfig(), e.logger)
	}
	database := landscape.NewDatabase(dbOpts)

	minima, tss, err := db.Load(ctx, e.sqlDB, database)
	if err != nil {
		return nil, err
	}
	g := graph.New()
	if err := g.Rebuild(database.Snapshot()); err != nil {
		return nil, err
	}
	e.logger.Info("landscape loaded",
		zap.Int("minima", minima),
		zap.Int("transition_states", tss),
		zap.Int("components", g.Stats().Components))

	mgr := connect.NewManager(database, g, connect.Options{
		Policy:      graph.PolicyFor(cfg.ConnectStrategy, cfg.ConnectWidth, cfg.ConnectSeed),
		BackoffBase: cfg.ConnectBackoffBase(),
		BackoffMax:  cfg.ConnectBackoffMax(),
		Logger:      e.logger,
	})

	coordOpts := coordinator.OptionsFromConfig(cfg)
	coordOpts.Logger = e.logger
	coordOpts.Metrics = opts.metrics
	return coordinator.New(database, g, mgr, coordOpts), nil
}

// warnUnknownDisabled logs disabled_tools and disabled_types entries that name
// nothing.
func (e *env) warnUnknownDisabled() {
	if unknown := mcp.ValidateDisabledTools(e.cfg.DisabledTools); len(unknown) > 0 {
		e.logger.Warn("unknown tools in disabled_tools",
			zap.Strings("unknown", unknown),
			zap.Strings("valid", mcp.AllToolNames()))
	}
	if unknown := mcp.ValidateDisabledTypes(e.cfg.DisabledTypes); len(unknown) > 0 {
		e.logger.Warn("unknown types in disabled_types",
			zap.Strings("unknown", unknown),
			zap.Strings("valid", mcp.KnownTypes))
	}
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	e := &env{}
	app := &cli.App{
		Name:    "landscape",
		Usage:   "Energy landscape exploration coordinator",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "Base directory (default ~/.landscape)"},
		},
		Commands: []*cli.Command{
			serveCmd(e),
			mcpCmd(e),
			statsCmd(e),
			exportCmd(e),
			importCmd(e),
		},
		After: func(_ *cli.Context) error {
			e.close()
			return nil
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the coordinator with its worker HTTP API, status page and metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "Listen address (overrides config)"},
			&cli.BoolFlag{Name: "mcp", Usage: "Also serve MCP on stdio"},
		},
		Action: func(c *cli.Context) error {
			if err := e.open(c); err != nil {
				return outputError(err)
			}

			m := metrics.New("landscape")
			coord, err := e.loadLandscape(c.Context, landscapeOptions{persist: true, metrics: m})
			if err != nil {
				return outputError(err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			coord.Start(ctx)
			defer coord.Stop()

			if c.Bool("mcp") {
				e.warnUnknownDisabled()
				go func() {
					if err := mcp.Run(coord, e.cfg, Version); err != nil {
						e.logger.Error("mcp server stopped", zap.Error(err))
					}
					stop()
				}()
			}

			listen := e.cfg.Listen
			if l := c.String("listen"); l != "" {
				listen = l
			}

			srv := transport.NewServer(coord, transport.Options{
				Metrics: m,
				Status:  web.NewHandler(coord, Version, e.logger),
				Logger:  e.logger,
			})
			if err := transport.Run(ctx, transport.NewHTTPServer(listen, srv.Handler()), e.logger); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the persisted landscape over MCP on stdio",
		Action: func(c *cli.Context) error {
			if err := e.open(c); err != nil {
				return outputError(err)
			}
			e.warnUnknownDisabled()

			coord, err := e.loadLandscape(c.Context, landscapeOptions{})
			if err != nil {
				return outputError(err)
			}
			return mcp.Run(coord, e.cfg, Version)
		},
	}
}

// statsCmd creates the stats command.
func statsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show landscape statistics (from SQLite, or a running coordinator with --server)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "Coordinator base URL, e.g. http://127.0.0.1:7845"},
		},
		Action: func(c *cli.Context) error {
			if server := c.String("server"); server != "" {
				stats, err := transport.NewClient(server).Stats(c.Context)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(stats)
			}

			if err := e.open(c); err != nil {
				return outputError(err)
			}
			coord, err := e.loadLandscape(c.Context, landscapeOptions{})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(coord.Stats())
		},
	}
}

// exportCmd creates the export command.
func exportCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write a checkpoint of all minima and transition states",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.landscape/exports/<label>-<timestamp>.<ext>)"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "Format: jsonl|jsonl.zst|parquet (default: from path, else jsonl)"},
			&cli.StringFlag{Name: "label", Usage: "File name stem for the default path"},
		},
		Action: func(c *cli.Context) error {
			if err := e.open(c); err != nil {
				return outputError(err)
			}
			coord, err := e.loadLandscape(c.Context, landscapeOptions{})
			if err != nil {
				return outputError(err)
			}

			output, err := ops.Export(c.Context, coord.Database(), e.cfg, ops.ExportInput{
				Path:   c.String("path"),
				Format: c.String("format"),
				Label:  c.String("label"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// importCmd creates the import command. Run it while no coordinator is serving
// the same directory.
func importCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Merge a checkpoint into the persisted landscape",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path"},
		},
		Action: func(c *cli.Context) error {
			if err := e.open(c); err != nil {
				return outputError(err)
			}
			coord, err := e.loadLandscape(c.Context, landscapeOptions{persist: true})
			if err != nil {
				return outputError(err)
			}

			output, err := ops.Import(c.Context, coord.Database(), coord.Graph(), e.cfg, ops.ImportInput{
				Path: c.String("path"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if lErr, ok := err.(*errors.LandscapeError); ok {
		msg := fmt.Sprintf("[%s] %s", lErr.Code, lErr.Message)
		// The CLI user is the operator, so internal causes are shown.
		if cause, ok := lErr.Details["internal_error"].(string); ok && lErr.Code == errors.ErrInternal {
			msg += ": " + strings.TrimSpace(cause)
		}
		return cli.Exit(msg, 1)
	}
	return cli.Exit(err.Error(), 1)
}
