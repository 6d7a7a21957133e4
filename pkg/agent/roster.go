package agent

import (
	"bytes"
	_ "embed"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/model"
	"gopkg.in/yaml.v3"
)

//go:embed agents.yaml
var defaultRoster []byte

type rosterFile struct {
	Agents []*model.Agent `yaml:"agents"`
}

// Roster is the immutable set of agents served by the process
type Roster struct {
	agents []*model.Agent
	byID   map[model.AgentID]*model.Agent
}

// Default returns the embedded roster
func Default() (*Roster, error) {
	return Load(bytes.NewReader(defaultRoster))
}

// LoadFile reads a roster YAML file
func LoadFile(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open roster file", goerr.V("path", path))
	}
	defer f.Close()

	roster, err := Load(f)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load roster file", goerr.V("path", path))
	}
	return roster, nil
}

// Load decodes and validates a roster
func Load(r io.Reader) (*Roster, error) {
	var file rosterFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, goerr.Wrap(err, "failed to decode roster")
	}
	if len(file.Agents) == 0 {
		return nil, goerr.New("roster has no agents")
	}

	roster := &Roster{byID: make(map[model.AgentID]*model.Agent, len(file.Agents))}
	for i, a := range file.Agents {
		if a == nil {
			return nil, goerr.New("roster entry is empty", goerr.V("index", i))
		}
		if err := a.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid roster entry", goerr.V("index", i))
		}
		if _, dup := roster.byID[a.ID]; dup {
			return nil, goerr.New("duplicated agent id", goerr.V("id", a.ID))
		}
		roster.byID[a.ID] = a
		roster.agents = append(roster.agents, a)
	}

	return roster, nil
}

// Get returns the agent, or model.ErrAgentNotFound
func (r *Roster) Get(id model.AgentID) (*model.Agent, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrAgentNotFound, "unknown agent", goerr.V("agent", id))
	}
	return a, nil
}

// List returns agents in roster order
func (r *Roster) List() []*model.Agent {
	return r.agents
}
