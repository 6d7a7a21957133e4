package model

import (
	"github.com/m-mizutani/goerr/v2"
)

type AgentID string

// CapabilityLevel is the closed ordinal classification (1-4) of an agent.
type CapabilityLevel int

const (
	CapabilityBasic       CapabilityLevel = 1
	CapabilityKnowledge   CapabilityLevel = 2
	CapabilityMemory      CapabilityLevel = 3
	CapabilityPersonality CapabilityLevel = 4
)

// Validate checks if the capability level is one of the known levels
func (l CapabilityLevel) Validate() error {
	switch l {
	case CapabilityBasic, CapabilityKnowledge, CapabilityMemory, CapabilityPersonality:
		return nil
	default:
		return goerr.New("invalid capability level", goerr.V("level", int(l)))
	}
}

// HasRetrieval reports whether knowledge retrieval is injected into prompts.
func (l CapabilityLevel) HasRetrieval() bool { return l == CapabilityKnowledge }

// HasMemory reports whether turns are persisted and replayed.
func (l CapabilityLevel) HasMemory() bool { return l >= CapabilityMemory }

// HasAffinity reports whether the relationship score modulates tone.
func (l CapabilityLevel) HasAffinity() bool { return l == CapabilityPersonality }

// CanStart reports whether the agent supports the opening trigger path.
func (l CapabilityLevel) CanStart() bool { return l.HasMemory() }

func (l CapabilityLevel) String() string {
	switch l {
	case CapabilityBasic:
		return "basic"
	case CapabilityKnowledge:
		return "knowledge"
	case CapabilityMemory:
		return "memory"
	case CapabilityPersonality:
		return "personality"
	default:
		return "unknown"
	}
}

// InfoTopic is a canned question a knowledge agent answers from one category.
type InfoTopic struct {
	Category Category `yaml:"category" json:"category"`
	Label    string   `yaml:"label" json:"label"`
	Query    string   `yaml:"query" json:"query"`
}

// Agent is one LLM-backed persona with a fixed capability level.
type Agent struct {
	ID      AgentID         `yaml:"id" json:"id"`
	Name    string          `yaml:"name" json:"name"`
	Role    string          `yaml:"role" json:"role"`
	Level   CapabilityLevel `yaml:"level" json:"level"`
	Persona string          `yaml:"persona" json:"persona"`

	// Opening is the synthetic trigger sent in place of a user message when a
	// conversation surface is opened.
	Opening string      `yaml:"opening" json:"opening,omitempty"`
	Topics  []InfoTopic `yaml:"topics" json:"topics,omitempty"`
}

// Validate checks required fields of the agent definition
func (a *Agent) Validate() error {
	if a.ID == "" {
		return goerr.New("agent id is empty")
	}
	if a.Name == "" {
		return goerr.New("agent name is empty", goerr.V("id", a.ID))
	}
	if a.Persona == "" {
		return goerr.New("agent persona is empty", goerr.V("id", a.ID))
	}
	if err := a.Level.Validate(); err != nil {
		return goerr.Wrap(err, "invalid agent", goerr.V("id", a.ID))
	}
	for _, topic := range a.Topics {
		if err := topic.Category.Validate(); err != nil {
			return goerr.Wrap(err, "invalid agent topic", goerr.V("id", a.ID))
		}
	}
	return nil
}

// Topic returns the info topic bound to the category, if any
func (a *Agent) Topic(category Category) (InfoTopic, bool) {
	for _, t := range a.Topics {
		if t.Category == category {
			return t, true
		}
	}
	return InfoTopic{}, false
}
