package cli

import (
	"context"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/adapter"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/knowledge"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func seedCommand() *cli.Command {
	var (
		cfg   config
		input string
		reset bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Seed file path or gs://bucket/object",
			Sources:     cli.EnvVars("TAVERN_SEED_INPUT"),
			Destination: &input,
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "reset",
			Usage:       "Delete all existing knowledge before loading",
			Value:       true,
			Destination: &reset,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, dialogueFlags(&cfg)...)

	return &cli.Command{
		Name:  "seed",
		Usage: "Embed and load knowledge documents",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.From(ctx)

			r, err := cfg.openSeed(ctx, input)
			if err != nil {
				return err
			}
			docs, err := knowledge.LoadDocuments(r)
			_ = r.Close()
			if err != nil {
				return goerr.Wrap(err, "failed to load seed file", goerr.V("input", input))
			}

			repo, closer, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			retriever, err := cfg.newRetriever(ctx, repo)
			if err != nil {
				return err
			}

			n, err := retriever.Seed(ctx, docs, reset)
			if err != nil {
				return goerr.Wrap(err, "failed to seed knowledge")
			}

			counts := map[model.Category]int{}
			for _, doc := range docs {
				counts[doc.Category]++
			}
			logger.Info("seeded knowledge",
				"documents", n,
				"history", counts[model.CategoryHistory],
				"location", counts[model.CategoryLocation],
				"npc", counts[model.CategoryNPC],
				"rumor", counts[model.CategoryRumor])
			return nil
		},
	}
}

// openSeed opens a local file or a Cloud Storage object
func (cfg *config) openSeed(ctx context.Context, input string) (io.ReadCloser, error) {
	bucket, key, isGCS, err := adapter.ParseGCSURL(input)
	if err != nil {
		return nil, err
	}
	if !isGCS {
		f, err := os.Open(input)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open seed file", goerr.V("path", input))
		}
		return f, nil
	}

	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Get(ctx, bucket, key)
}
