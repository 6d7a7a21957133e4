package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/tavern/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Version is overwritten at build time
var Version = "dev"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	var (
		logLevel  string
		logFormat string
	)

	cmd := &cli.Command{
		Name:    "tavern",
		Usage:   "NPC dialogue engine with memory, knowledge and relationships",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Log level (debug, info, warn, error)",
				Value:       "info",
				Sources:     cli.EnvVars("TAVERN_LOG_LEVEL"),
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "Log format (console, json)",
				Value:       "console",
				Sources:     cli.EnvVars("TAVERN_LOG_FORMAT"),
				Destination: &logFormat,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger := logging.New(logLevel, os.Stderr, logging.WithFormat(logFormat))
			logging.SetDefault(logger)
			return logging.With(ctx, logger), nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			chatCommand(),
			seedCommand(),
			statusCommand(),
			resetCommand(),
			agentsCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.From(ctx).Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
