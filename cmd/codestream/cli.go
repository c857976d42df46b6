package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/codestream/internal/auth"
	"github.com/hpungsan/codestream/internal/cells"
	"github.com/hpungsan/codestream/internal/coalesce"
	"github.com/hpungsan/codestream/internal/config"
	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/kv"
	"github.com/hpungsan/codestream/internal/mcp"
	"github.com/hpungsan/codestream/internal/proxy"
	"github.com/hpungsan/codestream/internal/reconcile"
	"github.com/hpungsan/codestream/internal/session"
	"github.com/hpungsan/codestream/internal/web"
	"github.com/hpungsan/codestream/internal/writer"
)

// appEnv is everything a command needs. Nothing is opened until a command
// asks for it.
type appEnv struct {
	baseDir string
	cfg     *config.Config
	logger  zerolog.Logger
	stdout  io.Writer
	stdin   io.Reader
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(env *appEnv) *cli.App {
	app := &cli.App{
		Name:    "codestream",
		Usage:   "Live cell sync between one writer and many readers",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "role", Usage: "Override the configured role: writer|reader"},
			&cli.StringFlag{Name: "user", EnvVars: []string{"USER"}, Value: "default", Usage: "Reader identity for the stored writer configuration"},
		},
		Before: func(c *cli.Context) error {
			if env.cfg == nil {
				return nil
			}
			if role := c.String("role"); role != "" {
				env.cfg.Role = role
			}
			if err := env.cfg.Validate(); err != nil {
				return outputError(errors.NewInvalidRequest(err.Error()))
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(env),
			sessionCmd(env),
			cellCmd(env),
			reconcileCmd(env),
			configCmd(env),
			tokenCmd(env),
			mcpCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// writerStack is an opened writer: store, cell store and session registry.
type writerStack struct {
	store kv.Store
	bus   *events.Bus
	cells *cells.Store
	reg   *session.Registry
}

func (w *writerStack) Close() {
	w.bus.Close()
	_ = w.store.Close()
}

func openWriter(ctx context.Context, env *appEnv) (*writerStack, error) {
	store, err := kv.Open(ctx, env.cfg, env.baseDir, env.logger)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus()
	cs := cells.New(store, bus,
		cells.WithScanBatch(env.cfg.ScanBatch),
		cells.WithTTL(env.cfg.StoreTTL()),
		cells.WithLogger(env.logger))
	reg := session.NewRegistry(session.Writer, bus,
		session.WithPurger(cs),
		session.WithLogger(env.logger))
	return &writerStack{store: store, bus: bus, cells: cs, reg: reg}, nil
}

func newGateway(c *cli.Context, env *appEnv) (*proxy.Gateway, error) {
	policy, err := proxy.ParsePolicy(env.cfg.BlockPrivateNetworks, env.cfg.AllowedCIDRs)
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	return proxy.NewGateway(proxy.Options{
		Store:          proxy.NewConfigStore(filepath.Join(env.baseDir, "upstream")),
		User:           c.String("user"),
		Policy:         policy,
		ConnectTimeout: env.cfg.ConnectTimeout(),
		RequestTimeout: env.cfg.RequestTimeout(),
		Logger:         &env.logger,
	}), nil
}

func isReader(env *appEnv) bool {
	return env.cfg.Role == config.RoleReader
}

// serveCmd creates the serve command.
func serveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP surface for the configured role",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Bind address (default from config)"},
			&cli.IntFlag{Name: "port", Usage: "Port (default from config)"},
		},
		Action: func(c *cli.Context) error {
			if c.IsSet("bind") {
				env.cfg.Bind = c.String("bind")
			}
			if c.IsSet("port") {
				env.cfg.Port = c.Int("port")
			}
			if isReader(env) {
				return serveReader(c, env)
			}
			return serveWriter(c, env)
		},
	}
}

func serveWriter(c *cli.Context, env *appEnv) error {
	w, err := openWriter(c.Context, env)
	if err != nil {
		return outputError(err)
	}
	defer w.Close()

	engine := writer.New(w.reg, w.cells, w.bus, writer.Options{
		Debounce: env.cfg.DebounceDelay(),
		Logger:   &env.logger,
	})
	if len(env.cfg.AccessTokens) == 0 && env.cfg.TokenSecret == "" {
		env.logger.Warn().Msg("no access tokens or token secret configured; the writer surface is open")
	}
	srv := web.NewWriterServer(web.WriterDeps{
		Store:    w.store,
		Cells:    w.cells,
		Registry: w.reg,
		Engine:   engine,
		Bus:      w.bus,
		Verifier: auth.NewVerifier(env.cfg.TokenSecret, env.cfg.AccessTokens, session.Writer),
		Logger:   env.logger,
	}, env.cfg, Version)
	return web.Run(srv, env.logger, engine.Shutdown)
}

func serveReader(c *cli.Context, env *appEnv) error {
	gw, err := newGateway(c, env)
	if err != nil {
		return outputError(err)
	}
	bus := events.NewBus()
	defer bus.Close()
	throttler := coalesce.NewThrottler(env.cfg.ThrottleWindow())
	defer throttler.Stop()

	srv := web.NewReaderServer(web.ReaderDeps{
		Gateway:   gw,
		Registry:  session.NewRegistry(session.Reader, bus, session.WithLogger(env.logger)),
		Throttler: throttler,
		Verifier:  auth.NewVerifier(env.cfg.TokenSecret, env.cfg.AccessTokens, session.Reader),
		Logger:    env.logger,
	}, env.cfg, Version)
	return web.Run(srv, env.logger, nil)
}

// sessionCmd creates the session command group.
func sessionCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Create, refresh or inspect sessions in the store",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Generate a new session code, purging --previous if given",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "previous", Usage: "Session code to purge"},
				},
				Action: func(c *cli.Context) error {
					w, err := openWriter(c.Context, env)
					if err != nil {
						return outputError(err)
					}
					defer w.Close()

					if prev := c.String("previous"); prev != "" {
						if _, err := w.reg.Join(prev); err != nil {
							return outputError(err)
						}
					}
					s, err := w.reg.Create(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, map[string]any{"session": s.Code})
				},
			},
			{
				Name:  "refresh",
				Usage: "Move every cell published under --session to a new code",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Required: true, Usage: "Current session code"},
				},
				Action: func(c *cli.Context) error {
					return refreshSession(c, env)
				},
			},
			{
				Name:  "status",
				Usage: "Show how many cells a session holds",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Required: true, Usage: "Session code"},
				},
				Action: func(c *cli.Context) error {
					code := c.String("session")
					ids, err := listCells(c, env, code)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, map[string]any{"session": code, "cells": len(ids)})
				},
			},
		},
	}
}

// refreshSession loads the published cells of a session as open, enabled
// cells and runs a normal refresh over them.
func refreshSession(c *cli.Context, env *appEnv) error {
	code := c.String("session")
	w, err := openWriter(c.Context, env)
	if err != nil {
		return outputError(err)
	}
	defer w.Close()

	ids, err := w.cells.ListAll(c.Context, code)
	if err != nil {
		return outputError(err)
	}
	engine := writer.New(w.reg, w.cells, w.bus, writer.Options{Logger: &env.logger})
	defer engine.Shutdown()
	for _, id := range ids {
		content, ok, err := w.cells.Get(c.Context, code, id)
		if err != nil {
			return outputError(err)
		}
		if !ok {
			continue
		}
		engine.Open(id, content)
		if err := engine.Enable(c.Context, id); err != nil {
			return outputError(err)
		}
	}
	// joined after Enable so nothing is rewritten under the old code
	if _, err := w.reg.Join(code); err != nil {
		return outputError(err)
	}

	res, err := engine.RefreshSession(c.Context)
	if err != nil {
		return outputError(err)
	}
	return outputJSON(env.stdout, res)
}

// cellCmd creates the cell command group.
func cellCmd(env *appEnv) *cli.Command {
	sessionFlag := &cli.StringFlag{Name: "session", Aliases: []string{"s"}, Required: true, Usage: "Session code"}
	return &cli.Command{
		Name:  "cell",
		Usage: "Push, read, delete or list cells",
		Subcommands: []*cli.Command{
			{
				Name:      "push",
				Usage:     "Publish a cell (reads content from stdin)",
				ArgsUsage: "[cell-id]",
				Flags:     []cli.Flag{sessionFlag},
				Action: func(c *cli.Context) error {
					if isReader(env) {
						return outputError(errors.NewForbidden("readers cannot write cells"))
					}
					content, err := readInput(env.stdin)
					if err != nil {
						return outputError(errors.NewInternal(err))
					}
					id := c.Args().First()
					if id == "" {
						id = cells.NewID()
					}
					w, err := openWriter(c.Context, env)
					if err != nil {
						return outputError(err)
					}
					defer w.Close()

					code := c.String("session")
					if err := w.cells.Push(c.Context, code, cells.Cell{ID: id, Content: content, Enabled: true}); err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, map[string]any{"session": code, "cell_id": id})
				},
			},
			{
				Name:      "get",
				Usage:     "Print a cell's content",
				ArgsUsage: "<cell-id>",
				Flags:     []cli.Flag{sessionFlag},
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return outputError(errors.NewMissingField("cell_id"))
					}
					content, err := getCell(c, env, c.String("session"), id)
					if err != nil {
						return outputError(err)
					}
					_, err = io.WriteString(env.stdout, content)
					return err
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a cell's record",
				ArgsUsage: "<cell-id>",
				Flags:     []cli.Flag{sessionFlag},
				Action: func(c *cli.Context) error {
					if isReader(env) {
						return outputError(errors.NewForbidden("readers cannot delete cells"))
					}
					id := c.Args().First()
					if id == "" {
						return outputError(errors.NewMissingField("cell_id"))
					}
					w, err := openWriter(c.Context, env)
					if err != nil {
						return outputError(err)
					}
					defer w.Close()

					code := c.String("session")
					if err := w.cells.Delete(c.Context, code, id); err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, map[string]any{"session": code, "cell_id": id, "deleted": true})
				},
			},
			{
				Name:  "list",
				Usage: "List the cell ids of a session",
				Flags: []cli.Flag{sessionFlag},
				Action: func(c *cli.Context) error {
					code := c.String("session")
					ids, err := listCells(c, env, code)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, map[string]any{"session": code, "cell_ids": ids})
				},
			},
		},
	}
}

// getCell reads from the local store as a writer and through the gateway as
// a reader.
func getCell(c *cli.Context, env *appEnv, code, id string) (string, error) {
	if isReader(env) {
		gw, err := newGateway(c, env)
		if err != nil {
			return "", err
		}
		reply, err := gw.GetCell(c.Context, code, id, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return "", err
		}
		return reply.Content()
	}
	w, err := openWriter(c.Context, env)
	if err != nil {
		return "", err
	}
	defer w.Close()
	content, ok, err := w.cells.Get(c.Context, code, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.NewNotFound("Cell not found.")
	}
	return content, nil
}

func listCells(c *cli.Context, env *appEnv, code string) ([]string, error) {
	var ids []string
	if isReader(env) {
		gw, err := newGateway(c, env)
		if err != nil {
			return nil, err
		}
		reply, err := gw.ListCellIDs(c.Context, code)
		if err != nil {
			return nil, err
		}
		if ids, err = reply.CellIDs(); err != nil {
			return nil, err
		}
	} else {
		w, err := openWriter(c.Context, env)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		if ids, err = w.cells.ListAll(c.Context, code); err != nil {
			return nil, err
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// reconcileCmd creates the reconcile command.
func reconcileCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Delete every record in a session whose id is not in --live",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Required: true, Usage: "Session code"},
			&cli.StringFlag{Name: "live", Usage: "Comma-separated ids of cells that still exist"},
		},
		Action: func(c *cli.Context) error {
			if isReader(env) {
				return outputError(errors.NewForbidden("readers cannot reconcile"))
			}
			w, err := openWriter(c.Context, env)
			if err != nil {
				return outputError(err)
			}
			defer w.Close()

			rec := reconcile.New(w.cells)
			rec.SetLogger(env.logger)
			res, err := rec.Reconcile(c.Context, c.String("session"), parseList(c.String("live")))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(env.stdout, res)
		},
	}
}

// configCmd creates the config command group, the reader's writer settings.
func configCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the writer server this reader pulls from",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Show the writer configuration (the token is never printed)",
				Action: func(c *cli.Context) error {
					gw, err := newGateway(c, env)
					if err != nil {
						return outputError(err)
					}
					settings, err := gw.Settings()
					if err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, settings)
				},
			},
			{
				Name:      "set",
				Usage:     "Store the writer URL; --token-stdin reads the token from stdin",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "token-stdin", Usage: "Read the writer token from stdin"},
				},
				Action: func(c *cli.Context) error {
					url := c.Args().First()
					if url == "" {
						return outputError(errors.NewMissingField("teacher_base_url"))
					}
					var token string
					if c.Bool("token-stdin") {
						t, err := readInput(env.stdin)
						if err != nil {
							return outputError(errors.NewInternal(err))
						}
						token = strings.TrimSpace(t)
					}
					gw, err := newGateway(c, env)
					if err != nil {
						return outputError(err)
					}
					settings, err := gw.Configure(url, token)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, settings)
				},
			},
			{
				Name:  "delete",
				Usage: "Remove the writer configuration",
				Action: func(c *cli.Context) error {
					gw, err := newGateway(c, env)
					if err != nil {
						return outputError(err)
					}
					if err := gw.Reset(); err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, map[string]any{"configured": false})
				},
			},
			{
				Name:  "test",
				Usage: "Check that the writer is reachable and accepts the token",
				Action: func(c *cli.Context) error {
					gw, err := newGateway(c, env)
					if err != nil {
						return outputError(err)
					}
					res, err := gw.Test(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(env.stdout, res)
				},
			},
		},
	}
}

// tokenCmd creates the token command group.
func tokenCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue role tokens signed with the configured token secret",
		Subcommands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Print a new role token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "role", Value: string(session.Reader), Usage: "Role claim: writer|reader"},
					&cli.StringFlag{Name: "subject", Usage: "Who the token is for"},
					&cli.DurationFlag{Name: "ttl", Usage: "Lifetime, e.g. 24h; 0 never expires"},
				},
				Action: func(c *cli.Context) error {
					role, err := session.ParseRole(c.String("role"))
					if err != nil {
						return outputError(err)
					}
					tok, err := auth.Issue([]byte(env.cfg.TokenSecret), role, c.String("subject"), c.Duration("ttl"))
					if err != nil {
						return outputError(err)
					}
					_, err = fmt.Fprintln(env.stdout, tok)
					return err
				},
			},
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools over stdio",
		Action: func(c *cli.Context) error {
			if err := runMCP(env, env.cfg.Role); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// runMCP serves the tools of role over stdio until stdin closes.
func runMCP(env *appEnv, role string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if role == config.RoleReader {
		policy, err := proxy.ParsePolicy(env.cfg.BlockPrivateNetworks, env.cfg.AllowedCIDRs)
		if err != nil {
			return err
		}
		bus := events.NewBus()
		defer bus.Close()
		gw := proxy.NewGateway(proxy.Options{
			Store:          proxy.NewConfigStore(filepath.Join(env.baseDir, "upstream")),
			User:           userName(),
			Policy:         policy,
			ConnectTimeout: env.cfg.ConnectTimeout(),
			RequestTimeout: env.cfg.RequestTimeout(),
			Logger:         &env.logger,
		})
		return mcp.Run(mcp.Deps{
			Registry: session.NewRegistry(session.Reader, bus, session.WithLogger(env.logger)),
			Gateway:  gw,
		}, env.cfg, Version)
	}

	w, err := openWriter(ctx, env)
	if err != nil {
		return err
	}
	defer w.Close()
	engine := writer.New(w.reg, w.cells, w.bus, writer.Options{
		Debounce: env.cfg.DebounceDelay(),
		Logger:   &env.logger,
	})
	defer engine.Shutdown()
	return mcp.Run(mcp.Deps{Registry: w.reg, Cells: w.cells, Engine: engine}, env.cfg, Version)
}

func userName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

// Helper functions

// outputJSON marshals result to w as JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	se := errors.From(err)
	msg := se.Message
	if se.Code == errors.ErrInternal {
		msg = err.Error()
	}
	return cli.Exit(fmt.Sprintf("[%s] %s", se.Code, msg), 1)
}

// readInput reads all of r. Content is kept byte for byte.
func readInput(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok {
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("content must be piped via stdin")
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseList splits a comma-separated string into a non-nil slice.
func parseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
