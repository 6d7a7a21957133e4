package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/repository"
)

func TestNewRepository(t *testing.T) {
	ctx := context.Background()

	cfg := &config{store: "memory"}
	repo, closer, err := cfg.newRepository(ctx)
	gt.NoError(t, err)
	gt.NoError(t, closer.Close())
	_, ok := repo.(*repository.Memory)
	gt.True(t, ok)

	cfg = &config{store: "firestore"}
	_, _, err = cfg.newRepository(ctx)
	gt.Error(t, err)

	cfg = &config{store: "sqlite"}
	_, _, err = cfg.newRepository(ctx)
	gt.Error(t, err)
}

func TestNewBackendsRequireCredentials(t *testing.T) {
	ctx := context.Background()

	_, err := (&config{generator: "claude"}).newGenerator(ctx)
	gt.Error(t, err)
	_, err = (&config{generator: "gpt"}).newGenerator(ctx)
	gt.Error(t, err)
	_, err = (&config{generator: "gemini", geminiLocation: "us-central1"}).newGenerator(ctx)
	gt.Error(t, err)

	_, err = (&config{embedder: "openai"}).newEmbedder(ctx)
	gt.Error(t, err)

	embedder, err := (&config{embedder: "openai", openaiAPIKey: "test", embeddingDim: 768}).newEmbedder(ctx)
	gt.NoError(t, err)
	gt.V(t, embedder).NotNil()
}

func TestNewRoster(t *testing.T) {
	roster, err := (&config{}).newRoster()
	gt.NoError(t, err)
	gt.A(t, roster.List()).Length(4)

	path := filepath.Join(t.TempDir(), "agents.yaml")
	gt.NoError(t, os.WriteFile(path, []byte("agents:\n  - {id: bard, name: Lin, level: 1, persona: You sing.}\n"), 0o600))
	roster, err = (&config{agentsPath: path}).newRoster()
	gt.NoError(t, err)
	gt.A(t, roster.List()).Length(1)
}

func TestOpenSeed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	gt.NoError(t, os.WriteFile(path, []byte("documents: []\n"), 0o600))

	r, err := (&config{}).openSeed(ctx, path)
	gt.NoError(t, err)
	gt.NoError(t, r.Close())

	_, err = (&config{}).openSeed(ctx, "gs://bucket-only")
	gt.Error(t, err)
}

func TestFormatAffinity(t *testing.T) {
	gt.Equal(t, formatAffinity(nil), "")
	gt.Equal(t,
		formatAffinity(model.NewAffinityChange(24, 3, "warm greeting")),
		"  [affinity +3 -> 27 (acquaintance), was stranger: warm greeting]")
	gt.Equal(t,
		formatAffinity(model.NewAffinityChange(40, -2, "")),
		"  [affinity -2 -> 38 (acquaintance)]")
}
