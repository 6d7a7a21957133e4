package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/memory"
)

//go:embed templates/*.md
var templateFS embed.FS

var relationshipTemplates = template.Must(template.ParseFS(templateFS, "templates/*.md"))

const firstMeetingTemplate = "first_meeting.md"

type SectionName string

const (
	SectionPersona      SectionName = "persona"
	SectionRelationship SectionName = "relationship"
	SectionMemory       SectionName = "memory"
	SectionKnowledge    SectionName = "knowledge"
)

// Section is one named block of the system prompt
type Section struct {
	Name    SectionName
	Content string
}

// Prompt is a composed generation request
type Prompt struct {
	Sections []Section
	System   string
	User     string
}

// Section returns the content of the named section, "" if absent
func (p *Prompt) Section(name SectionName) string {
	for _, s := range p.Sections {
		if s.Name == name {
			return s.Content
		}
	}
	return ""
}

// Builder composes the system prompt of one turn. Sections are always
// emitted as persona, relationship, memory, knowledge and empty ones are
// dropped.
type Builder struct {
	agent     *model.Agent
	affinity  *model.AffinityState
	memory    *memory.Context
	knowledge []*model.KnowledgeDocument
	user      string
}

// NewBuilder creates a Builder for agent
func NewBuilder(agent *model.Agent) *Builder {
	return &Builder{agent: agent}
}

// WithAffinity sets the pre-turn relationship state
func (b *Builder) WithAffinity(state *model.AffinityState) *Builder {
	b.affinity = state
	return b
}

// WithMemory sets the summary and recent turns
func (b *Builder) WithMemory(c *memory.Context) *Builder {
	b.memory = c
	return b
}

// WithKnowledge sets retrieved documents, most similar first
func (b *Builder) WithKnowledge(docs []*model.KnowledgeDocument) *Builder {
	b.knowledge = docs
	return b
}

// WithUserMessage sets the raw user message
func (b *Builder) WithUserMessage(msg string) *Builder {
	b.user = msg
	return b
}

// Build renders the prompt
func (b *Builder) Build() (*Prompt, error) {
	if b.agent == nil {
		return nil, goerr.New("agent is not set")
	}

	relationship, err := b.relationship()
	if err != nil {
		return nil, err
	}

	candidates := []Section{
		{Name: SectionPersona, Content: strings.TrimSpace(b.agent.Persona)},
		{Name: SectionRelationship, Content: relationship},
		{Name: SectionMemory, Content: b.memoryBlock()},
		{Name: SectionKnowledge, Content: b.knowledgeBlock()},
	}

	p := &Prompt{User: b.user}
	parts := make([]string, 0, len(candidates))
	for _, s := range candidates {
		if s.Content == "" {
			continue
		}
		p.Sections = append(p.Sections, s)
		parts = append(parts, s.Content)
	}
	p.System = strings.Join(parts, "\n\n")

	return p, nil
}

type relationshipInput struct {
	AgentName string
	Score     int
}

func (b *Builder) relationship() (string, error) {
	if !b.agent.Level.HasAffinity() || b.affinity == nil {
		return "", nil
	}

	name := firstMeetingTemplate
	if !b.affinity.FirstMeeting {
		name = string(model.LevelOf(b.affinity.Score)) + ".md"
	}

	var buf bytes.Buffer
	err := relationshipTemplates.ExecuteTemplate(&buf, name, relationshipInput{
		AgentName: b.agent.Name,
		Score:     b.affinity.Score,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to render relationship", goerr.V("template", name))
	}
	return strings.TrimSpace(buf.String()), nil
}

func (b *Builder) memoryBlock() string {
	if !b.agent.Level.HasMemory() || b.memory.Empty() {
		return ""
	}

	var parts []string
	if b.memory.Summary != "" {
		parts = append(parts, "## Summary\n\n"+strings.TrimSpace(b.memory.Summary))
	}
	if len(b.memory.Turns) > 0 {
		parts = append(parts, "## Recent conversation\n\n"+memory.FormatTranscript(b.memory.Turns, b.agent.Name))
	}
	return "# What you remember about this guest\n\n" + strings.Join(parts, "\n\n")
}

func (b *Builder) knowledgeBlock() string {
	if !b.agent.Level.HasRetrieval() || len(b.knowledge) == 0 {
		return ""
	}

	lines := make([]string, 0, len(b.knowledge))
	for _, doc := range b.knowledge {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", doc.Category, doc.Title, strings.TrimSpace(doc.Content)))
	}
	return "# Village knowledge\n\nUse these facts when they help answer the guest.\n\n" + strings.Join(lines, "\n")
}
