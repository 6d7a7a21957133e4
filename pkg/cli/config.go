package cli

import (
	"context"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/adapter"
	"github.com/m-mizutani/tavern/pkg/agent"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/repository"
	"github.com/m-mizutani/tavern/pkg/usecase/affinity"
	"github.com/m-mizutani/tavern/pkg/usecase/dialogue"
	"github.com/m-mizutani/tavern/pkg/usecase/knowledge"
	"github.com/m-mizutani/tavern/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Repository
	store    string
	project  string
	database string

	// Adapters
	generator       string
	embedder        string
	geminiProject   string
	geminiLocation  string
	geminiAPIKey    string
	geminiModel     string
	embeddingModel  string
	embeddingDim    int64
	anthropicAPIKey string
	claudeModel     string
	openaiAPIKey    string

	// Dialogue
	agentsPath         string
	policyDir          string
	summaryCadence     int64
	summaryWindow      int64
	recentLimit        int64
	retrievalLimit     int64
	retrievalThreshold float64
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Persistent store (firestore, memory)",
			Value:       "firestore",
			Sources:     cli.EnvVars("TAVERN_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "generator",
			Usage:       "Text generation backend (gemini, claude)",
			Value:       "gemini",
			Sources:     cli.EnvVars("TAVERN_GENERATOR"),
			Destination: &cfg.generator,
		},
		&cli.StringFlag{
			Name:        "embedder",
			Usage:       "Embedding backend (gemini, openai)",
			Value:       "gemini",
			Sources:     cli.EnvVars("TAVERN_EMBEDDER"),
			Destination: &cfg.embedder,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini Developer API key, used instead of Vertex AI when set",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model of the selected embedder",
			Sources:     cli.EnvVars("TAVERN_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dim",
			Usage:       "Embedding dimension. Must match the seeded knowledge vectors",
			Value:       768,
			Sources:     cli.EnvVars("TAVERN_EMBEDDING_DIM"),
			Destination: &cfg.embeddingDim,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model",
			Value:       "claude-sonnet-4-20250514",
			Sources:     cli.EnvVars("CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
	}
}

// dialogueFlags returns flags tuning the dialogue engine
func dialogueFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "agents",
			Usage:       "Path to an agent roster YAML file. The built-in roster is used if empty",
			Sources:     cli.EnvVars("TAVERN_AGENTS"),
			Destination: &cfg.agentsPath,
		},
		&cli.StringFlag{
			Name:        "affinity-policy",
			Usage:       "Directory of Rego files overriding the affinity scoring policy",
			Sources:     cli.EnvVars("TAVERN_AFFINITY_POLICY"),
			Destination: &cfg.policyDir,
		},
		&cli.IntFlag{
			Name:        "summary-cadence",
			Usage:       "Regenerate the guest summary every N turns",
			Value:       10,
			Sources:     cli.EnvVars("TAVERN_SUMMARY_CADENCE"),
			Destination: &cfg.summaryCadence,
		},
		&cli.IntFlag{
			Name:        "summary-window",
			Usage:       "Number of recent turns fed to summary regeneration",
			Value:       20,
			Sources:     cli.EnvVars("TAVERN_SUMMARY_WINDOW"),
			Destination: &cfg.summaryWindow,
		},
		&cli.IntFlag{
			Name:        "recent-turns",
			Usage:       "Number of recent turns replayed into the prompt",
			Value:       memory.DefaultRecentLimit,
			Sources:     cli.EnvVars("TAVERN_RECENT_TURNS"),
			Destination: &cfg.recentLimit,
		},
		&cli.IntFlag{
			Name:        "retrieval-limit",
			Usage:       "Maximum knowledge documents per prompt",
			Value:       3,
			Sources:     cli.EnvVars("TAVERN_RETRIEVAL_LIMIT"),
			Destination: &cfg.retrievalLimit,
		},
		&cli.FloatFlag{
			Name:        "retrieval-threshold",
			Usage:       "Minimum cosine similarity of a knowledge document",
			Value:       0.7,
			Sources:     cli.EnvVars("TAVERN_RETRIEVAL_THRESHOLD"),
			Destination: &cfg.retrievalThreshold,
		},
	}
}

// allFlags returns every flag needed to build the dialogue engine
func allFlags(cfg *config) []cli.Flag {
	var flags []cli.Flag
	flags = append(flags, globalFlags(cfg)...)
	flags = append(flags, llmFlags(cfg)...)
	flags = append(flags, dialogueFlags(cfg)...)
	return flags
}

// newRepository creates a new repository instance. The returned closer
// releases the underlying client.
func (cfg *config) newRepository(ctx context.Context) (interfaces.Repository, io.Closer, error) {
	switch cfg.store {
	case "memory":
		return repository.NewMemory(), io.NopCloser(nil), nil

	case "firestore":
		if cfg.project == "" {
			return nil, nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, nil, goerr.New("database is required")
		}
		repo, err := repository.New(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, repo, nil

	default:
		return nil, nil, goerr.New("unsupported store", goerr.V("store", cfg.store))
	}
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (*adapter.Gemini, error) {
	opts := []adapter.GeminiOption{
		adapter.WithGenerativeModel(cfg.geminiModel),
		adapter.WithEmbeddingDimensionality(int32(cfg.embeddingDim)),
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}

	if cfg.geminiAPIKey != "" {
		return adapter.NewGeminiWithAPIKey(ctx, cfg.geminiAPIKey, opts...)
	}
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project or gemini-api-key is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
}

// newGenerator creates the text generation backend
func (cfg *config) newGenerator(ctx context.Context) (interfaces.Generator, error) {
	switch cfg.generator {
	case "gemini":
		return cfg.newGemini(ctx)
	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required")
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, adapter.WithClaudeModel(cfg.claudeModel)), nil
	default:
		return nil, goerr.New("unsupported generator", goerr.V("generator", cfg.generator))
	}
}

// newEmbedder creates the embedding backend
func (cfg *config) newEmbedder(ctx context.Context) (interfaces.Embedder, error) {
	switch cfg.embedder {
	case "gemini":
		return cfg.newGemini(ctx)
	case "openai":
		if cfg.openaiAPIKey == "" {
			return nil, goerr.New("openai-api-key is required")
		}
		opts := []adapter.OpenAIOption{adapter.WithOpenAIDimensions(int(cfg.embeddingDim))}
		if cfg.embeddingModel != "" {
			opts = append(opts, adapter.WithOpenAIEmbeddingModel(cfg.embeddingModel))
		}
		return adapter.NewOpenAIEmbedder(cfg.openaiAPIKey, opts...), nil
	default:
		return nil, goerr.New("unsupported embedder", goerr.V("embedder", cfg.embedder))
	}
}

// newStorage creates a new Storage adapter instance
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	storage, err := adapter.NewStorage(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newRoster loads the roster file, or the built-in one
func (cfg *config) newRoster() (*agent.Roster, error) {
	if cfg.agentsPath == "" {
		return agent.Default()
	}
	return agent.LoadFile(cfg.agentsPath)
}

// newPolicy loads the affinity policy
func (cfg *config) newPolicy(ctx context.Context) (*affinity.Policy, error) {
	if cfg.policyDir == "" {
		return affinity.NewPolicy(ctx)
	}
	return affinity.LoadPolicy(ctx, cfg.policyDir)
}

// newRetriever creates the knowledge retriever on top of repo
func (cfg *config) newRetriever(ctx context.Context, repo interfaces.Repository) (*knowledge.Retriever, error) {
	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	return knowledge.New(repo, embedder,
		knowledge.WithLimit(int(cfg.retrievalLimit)),
		knowledge.WithThreshold(cfg.retrievalThreshold),
	), nil
}

// engine is the fully wired dialogue engine of one process
type engine struct {
	orchestrator *dialogue.Orchestrator
	roster       *agent.Roster
	closer       io.Closer
}

// Close drains background work and releases the store
func (e *engine) Close() error {
	e.orchestrator.Wait()
	return e.closer.Close()
}

// newEngine wires all dependencies of the dialogue engine
func (cfg *config) newEngine(ctx context.Context) (*engine, error) {
	roster, err := cfg.newRoster()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.newPolicy(ctx)
	if err != nil {
		return nil, err
	}

	repo, closer, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}
	generator, err := cfg.newGenerator(ctx)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	retriever, err := cfg.newRetriever(ctx, repo)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	orch := dialogue.New(
		roster,
		generator,
		retriever,
		memory.New(repo, generator,
			memory.WithCadence(int(cfg.summaryCadence)),
			memory.WithWindow(int(cfg.summaryWindow)),
		),
		affinity.New(repo, generator, policy),
		dialogue.WithRecentLimit(int(cfg.recentLimit)),
	)

	return &engine{orchestrator: orch, roster: roster, closer: closer}, nil
}

// stdout returns the writer of the root command
func stdout(c *cli.Command) io.Writer {
	if w := c.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
