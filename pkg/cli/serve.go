package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/goerr/v2"
	server "github.com/m-mizutani/tavern/pkg/controller/http"
	"github.com/m-mizutani/tavern/pkg/controller/mcp"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg         config
		addr        string
		origins     string
		mountMCP    bool
		shutdownDur time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Usage:       "Listen address",
			Value:       ":3001",
			Sources:     cli.EnvVars("TAVERN_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "client-url",
			Usage:       "Comma separated origins allowed by CORS",
			Value:       "http://localhost:5173",
			Sources:     cli.EnvVars("CLIENT_URL"),
			Destination: &origins,
		},
		&cli.BoolFlag{
			Name:        "mcp",
			Usage:       "Also serve MCP over streamable HTTP at /mcp",
			Sources:     cli.EnvVars("TAVERN_SERVE_MCP"),
			Destination: &mountMCP,
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "Grace period for in-flight requests on shutdown",
			Value:       10 * time.Second,
			Sources:     cli.EnvVars("TAVERN_SHUTDOWN_TIMEOUT"),
			Destination: &shutdownDur,
		},
	}
	flags = append(flags, allFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.From(ctx)

			eng, err := cfg.newEngine(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := eng.Close(); err != nil {
					logger.Warn("failed to close engine", "error", err)
				}
			}()

			var allowOrigins []string
			for _, o := range strings.Split(origins, ",") {
				if o = strings.TrimSpace(o); o != "" {
					allowOrigins = append(allowOrigins, o)
				}
			}

			var handler http.Handler = server.New(eng.orchestrator, server.WithAllowOrigins(allowOrigins))
			if mountMCP {
				mux := gin.New()
				mcpHandler := gin.WrapH(mcp.New(eng.orchestrator, eng.roster.List(), Version).Handler())
				mux.Any("/mcp", mcpHandler)
				mux.NoRoute(gin.WrapH(handler))
				handler = mux
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server started", "addr", addr, "mcp", mountMCP)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return goerr.Wrap(err, "server failed", goerr.V("addr", addr))
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownDur)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return goerr.Wrap(err, "failed to shutdown server")
			}
			return nil
		},
	}
}

func mcpCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the dialogue engine as an MCP server over stdio",
		Flags: allFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			eng, err := cfg.newEngine(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := eng.Close(); err != nil {
					logging.From(ctx).Warn("failed to close engine", "error", err)
				}
			}()

			if err := mcp.New(eng.orchestrator, eng.roster.List(), Version).Run(ctx); err != nil {
				return goerr.Wrap(err, "mcp server failed")
			}
			return nil
		},
	}
}
