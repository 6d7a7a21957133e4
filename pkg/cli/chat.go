package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/dialogue"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg     config
		userID  string
		agentID string
		open    bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID",
			Value:       "guest",
			Sources:     cli.EnvVars("TAVERN_USER_ID"),
			Destination: &userID,
		},
		&cli.StringFlag{
			Name:        "agent",
			Aliases:     []string{"n"},
			Usage:       "Agent ID to talk to",
			Sources:     cli.EnvVars("TAVERN_AGENT_ID"),
			Destination: &agentID,
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "open",
			Usage:       "Let the agent open the conversation",
			Destination: &open,
		},
	}
	flags = append(flags, allFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive conversation with an agent",
		Flags: flags,
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

			a, err := eng.roster.Get(model.AgentID(agentID))
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize readline")
			}
			defer rl.Close()

			s := &chatSession{
				orch:  eng.orchestrator,
				agent: a,
				user:  userID,
				w:     rl.Stdout(),
			}

			fmt.Fprintf(s.w, "Talking to %s (%s). Type 'exit' to quit, '/help' for commands.\n", a.Name, a.Role)
			if open {
				s.render(ctx, eng.orchestrator.StartStream(ctx, userID, a.ID))
			}

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if line == "exit" {
					break
				}
				if strings.HasPrefix(line, "/") {
					s.command(ctx, line)
					continue
				}

				s.render(ctx, eng.orchestrator.Stream(ctx, dialogue.Request{
					UserID:  userID,
					AgentID: a.ID,
					Message: line,
				}))
			}

			fmt.Fprintf(s.w, "\n%s waves goodbye.\n", a.Name)
			return nil
		},
	}
}

type chatSession struct {
	orch  *dialogue.Orchestrator
	agent *model.Agent
	user  string
	w     io.Writer
}

// render prints a streamed turn, spinning until the first token arrives
func (s *chatSession) render(ctx context.Context, stream *dialogue.Stream) {
	defer stream.Close()

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.w))
	sp.Suffix = " " + s.agent.Name + " is thinking..."
	sp.Start()
	spinning := true
	stop := func() {
		if spinning {
			sp.Stop()
			spinning = false
			fmt.Fprintf(s.w, "%s: ", s.agent.Name)
		}
	}
	defer stop()

	for ev := range stream.Events() {
		switch ev.Kind {
		case model.EventText:
			stop()
			fmt.Fprint(s.w, ev.Text)
		case model.EventAffinity:
			stop()
			fmt.Fprintln(s.w)
			fmt.Fprintln(s.w, formatAffinity(ev.Affinity))
		case model.EventError:
			stop()
			fmt.Fprintln(s.w)
			logging.From(ctx).Error("turn failed", "error", ev.Err)
			fmt.Fprintln(s.w, "(no answer, try again)")
		case model.EventDone:
			stop()
			fmt.Fprintln(s.w)
		}
	}
}

func (s *chatSession) command(ctx context.Context, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/status":
		status, err := s.orch.Status(ctx, s.user, s.agent.ID)
		if err != nil {
			logging.From(ctx).Error("failed to get status", "error", err)
			return
		}
		printStatus(s.w, s.agent, status)

	case "/reset":
		result, err := s.orch.Reset(ctx, s.user, s.agent.ID)
		if err != nil {
			logging.From(ctx).Error("failed to reset", "error", err)
			return
		}
		fmt.Fprintf(s.w, "memory reset: %v, affinity reset: %v\n", result.MemoryReset, result.AffinityReset)

	case "/info":
		if len(fields) < 2 {
			fmt.Fprintln(s.w, "usage: /info <history|location|npc|rumor>")
			return
		}
		sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.w))
		sp.Start()
		result, err := s.orch.Info(ctx, s.user, s.agent.ID, model.Category(fields[1]))
		sp.Stop()
		if err != nil {
			if model.IsInvalidArgument(err) {
				fmt.Fprintf(s.w, "%s cannot tell you about %s.\n", s.agent.Name, fields[1])
				return
			}
			logging.From(ctx).Error("failed to ask topic", "error", err)
			return
		}
		fmt.Fprintf(s.w, "%s: %s\n", s.agent.Name, result.Response)

	default:
		fmt.Fprintln(s.w, "commands: /status, /reset, /info <category>, exit")
	}
}

func formatAffinity(c *model.AffinityChange) string {
	if c == nil {
		return ""
	}
	line := fmt.Sprintf("  [affinity %+d -> %d (%s)", c.Delta, c.NewScore, c.NewLevel)
	if c.Changed {
		line += fmt.Sprintf(", was %s", c.OldLevel)
	}
	if c.Reason != "" {
		line += ": " + c.Reason
	}
	return line + "]"
}
