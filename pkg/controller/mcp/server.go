package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/dialogue"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Dialogue is the use case exposed as MCP tools
type Dialogue interface {
	Submit(ctx context.Context, req dialogue.Request) (*dialogue.Result, error)
	Start(ctx context.Context, userID string, agentID model.AgentID) (*dialogue.Result, error)
	Status(ctx context.Context, userID string, agentID model.AgentID) (*dialogue.Status, error)
	Reset(ctx context.Context, userID string, agentID model.AgentID) (*dialogue.ResetResult, error)
	Info(ctx context.Context, userID string, agentID model.AgentID, category model.Category) (*dialogue.Result, error)
}

// Server exposes the dialogue engine to MCP clients
type Server struct {
	dialogue Dialogue
	agents   []*model.Agent
	server   *mcp.Server
}

// New creates a new Server and registers all tools
func New(uc Dialogue, agents []*model.Agent, version string) *Server {
	s := &Server{
		dialogue: uc,
		agents:   agents,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "tavern",
			Version: version,
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_agents",
		Description: "List the NPCs of the village and what each of them can do",
	}, s.listAgents)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "send_message",
		Description: "Send a message to an NPC and receive the reply",
	}, s.sendMessage)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "start_conversation",
		Description: "Let an NPC open the conversation. Only NPCs with memory support this",
	}, s.startConversation)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ask_topic",
		Description: "Ask a knowledgeable NPC about one topic category",
	}, s.askTopic)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_status",
		Description: "Show what an NPC remembers and how it feels about the user",
	}, s.getStatus)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "reset_conversation",
		Description: "Forget the conversation and relationship between a user and an NPC",
	}, s.resetConversation)

	return s
}

// Run serves over stdio until ctx is done or the client disconnects
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves one session over the given transport
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, transport, nil)
}

// Handler returns a streamable HTTP handler
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

type keyInput struct {
	UserID  string `json:"userId" jsonschema:"Identifier of the user"`
	AgentID string `json:"agentId" jsonschema:"Identifier of the NPC"`
}

type messageInput struct {
	UserID  string `json:"userId" jsonschema:"Identifier of the user"`
	AgentID string `json:"agentId" jsonschema:"Identifier of the NPC"`
	Message string `json:"message" jsonschema:"What the user says"`
}

type topicInput struct {
	UserID   string `json:"userId" jsonschema:"Identifier of the user"`
	AgentID  string `json:"agentId" jsonschema:"Identifier of the NPC"`
	Category string `json:"category" jsonschema:"One of history, location, npc, rumor"`
}

type agentSummary struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Level  int      `json:"level"`
	Topics []string `json:"topics,omitempty"`
}

type agentsOutput struct {
	Agents []agentSummary `json:"agents"`
}

type replyOutput struct {
	Response     string `json:"response"`
	Score        *int   `json:"score,omitempty"`
	Level        string `json:"level,omitempty"`
	Delta        int    `json:"delta,omitempty"`
	LevelChanged bool   `json:"levelChanged,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func newReplyOutput(result *dialogue.Result) replyOutput {
	out := replyOutput{Response: result.Response}
	if c := result.Affinity; c != nil {
		score := c.NewScore
		out.Score = &score
		out.Level = string(c.NewLevel)
		out.Delta = c.Delta
		out.LevelChanged = c.Changed
		out.Reason = c.Reason
	}
	return out
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// toolError converts a use case error into a message safe for the client
func toolError(ctx context.Context, err error) error {
	switch {
	case model.IsInvalidArgument(err):
		for _, sentinel := range []error{model.ErrAgentNotFound, model.ErrCapabilityMissing, model.ErrEmptyMessage} {
			if errors.Is(err, sentinel) {
				return errors.New(sentinel.Error())
			}
		}
		return errors.New("invalid request")
	case model.IsGenerationFailure(err):
		logging.From(ctx).Error("generation failed", slog.Any("error", err))
		return errors.New("generation_failed")
	default:
		logging.From(ctx).Error("tool call failed", slog.Any("error", err))
		return errors.New("internal_error")
	}
}

func (s *Server) listAgents(ctx context.Context, req *mcp.CallToolRequest, _ *struct{}) (*mcp.CallToolResult, agentsOutput, error) {
	var out agentsOutput
	for _, a := range s.agents {
		summary := agentSummary{ID: string(a.ID), Name: a.Name, Role: a.Role, Level: int(a.Level)}
		for _, topic := range a.Topics {
			summary.Topics = append(summary.Topics, string(topic.Category))
		}
		out.Agents = append(out.Agents, summary)
	}
	return nil, out, nil
}

func (s *Server) sendMessage(ctx context.Context, req *mcp.CallToolRequest, in *messageInput) (*mcp.CallToolResult, replyOutput, error) {
	result, err := s.dialogue.Submit(ctx, dialogue.Request{
		UserID:  in.UserID,
		AgentID: model.AgentID(in.AgentID),
		Message: in.Message,
	})
	if err != nil {
		return nil, replyOutput{}, toolError(ctx, err)
	}
	return textResult(result.Response), newReplyOutput(result), nil
}

func (s *Server) startConversation(ctx context.Context, req *mcp.CallToolRequest, in *keyInput) (*mcp.CallToolResult, replyOutput, error) {
	result, err := s.dialogue.Start(ctx, in.UserID, model.AgentID(in.AgentID))
	if err != nil {
		return nil, replyOutput{}, toolError(ctx, err)
	}
	return textResult(result.Response), newReplyOutput(result), nil
}

func (s *Server) askTopic(ctx context.Context, req *mcp.CallToolRequest, in *topicInput) (*mcp.CallToolResult, replyOutput, error) {
	category := model.Category(in.Category)
	if err := category.Validate(); err != nil {
		return nil, replyOutput{}, fmt.Errorf("unknown category: %q", in.Category)
	}

	result, err := s.dialogue.Info(ctx, in.UserID, model.AgentID(in.AgentID), category)
	if err != nil {
		return nil, replyOutput{}, toolError(ctx, err)
	}
	return textResult(result.Response), newReplyOutput(result), nil
}

func (s *Server) getStatus(ctx context.Context, req *mcp.CallToolRequest, in *keyInput) (*mcp.CallToolResult, dialogue.Status, error) {
	status, err := s.dialogue.Status(ctx, in.UserID, model.AgentID(in.AgentID))
	if err != nil {
		return nil, dialogue.Status{}, toolError(ctx, err)
	}
	return nil, *status, nil
}

func (s *Server) resetConversation(ctx context.Context, req *mcp.CallToolRequest, in *keyInput) (*mcp.CallToolResult, dialogue.ResetResult, error) {
	result, err := s.dialogue.Reset(ctx, in.UserID, model.AgentID(in.AgentID))
	if err != nil {
		return nil, dialogue.ResetResult{}, toolError(ctx, err)
	}
	return nil, *result, nil
}
