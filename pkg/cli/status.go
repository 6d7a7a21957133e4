package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/dialogue"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func keyFlags(userID, agentID *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID",
			Sources:     cli.EnvVars("TAVERN_USER_ID"),
			Destination: userID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "agent",
			Aliases:     []string{"n"},
			Usage:       "Agent ID",
			Sources:     cli.EnvVars("TAVERN_AGENT_ID"),
			Destination: agentID,
			Required:    true,
		},
	}
}

func statusCommand() *cli.Command {
	var (
		cfg     config
		userID  string
		agentID string
		asJSON  bool
	)

	flags := keyFlags(&userID, &agentID)
	flags = append(flags, &cli.BoolFlag{
		Name:        "json",
		Usage:       "Print as JSON",
		Destination: &asJSON,
	})
	flags = append(flags, allFlags(&cfg)...)

	return &cli.Command{
		Name:  "status",
		Usage: "Show what an agent remembers about a user",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			eng, err := cfg.newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			status, err := eng.orchestrator.Status(ctx, userID, model.AgentID(agentID))
			if err != nil {
				return goerr.Wrap(err, "failed to get status")
			}

			if asJSON {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return goerr.Wrap(err, "failed to marshal status")
				}
				fmt.Fprintf(stdout(c), "%s\n", string(data))
				return nil
			}

			a, err := eng.roster.Get(model.AgentID(agentID))
			if err != nil {
				return err
			}
			printStatus(stdout(c), a, status)
			return nil
		},
	}
}

func printStatus(w io.Writer, a *model.Agent, status *dialogue.Status) {
	fmt.Fprintf(w, "Agent:        %s (%s, level %d)\n", a.Name, a.ID, a.Level)
	fmt.Fprintf(w, "Remembers:    %v\n", status.HasMemory)
	if !a.Level.HasAffinity() {
		return
	}
	if status.FirstMeeting {
		fmt.Fprintln(w, "Relationship: not met yet")
		return
	}
	fmt.Fprintf(w, "Relationship: %s (%d/100, %d interactions)\n",
		status.Level, status.Score, status.TotalInteractions)
}

func resetCommand() *cli.Command {
	var (
		cfg     config
		userID  string
		agentID string
	)

	flags := keyFlags(&userID, &agentID)
	flags = append(flags, allFlags(&cfg)...)

	return &cli.Command{
		Name:  "reset",
		Usage: "Forget the conversation and relationship between a user and an agent",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			eng, err := cfg.newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			result, err := eng.orchestrator.Reset(ctx, userID, model.AgentID(agentID))
			if err != nil {
				return goerr.Wrap(err, "failed to reset")
			}

			logging.From(ctx).Info("reset conversation",
				"user_id", userID,
				"agent_id", agentID,
				"memory_reset", result.MemoryReset,
				"affinity_reset", result.AffinityReset)
			if !result.MemoryReset || !result.AffinityReset {
				return goerr.New("reset was incomplete",
					goerr.V("memory_reset", result.MemoryReset),
					goerr.V("affinity_reset", result.AffinityReset))
			}
			return nil
		},
	}
}

func agentsCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "agents",
		Usage: "List agents of the roster",
		Flags: dialogueFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			roster, err := cfg.newRoster()
			if err != nil {
				return err
			}

			w := stdout(c)
			for _, a := range roster.List() {
				fmt.Fprintf(w, "%-10s %-8s L%d  %s\n", a.ID, a.Name, a.Level, a.Role)
				for _, topic := range a.Topics {
					fmt.Fprintf(w, "           - %s: %s\n", topic.Category, topic.Label)
				}
			}
			return nil
		},
	}
}
