package workflow

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownDefinition = errors.New("unknown workflow definition")
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

// DefaultDefinitionID is the id used when a caller names only a technology.
func DefaultDefinitionID(technology string) string {
	return technology + "_standard"
}

type Definitions struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewDefinitions(defs ...Definition) (*Definitions, error) {
	d := &Definitions{defs: map[string]Definition{}}
	for _, def := range defs {
		if err := d.Register(def); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register validates def, fills phase defaults and stores it, replacing any definition with the same id.
func (d *Definitions) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	phases := make([]Phase, len(def.Phases))
	for i, p := range def.Phases {
		p = p.clone()
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.MaxRetries < 0 {
			p.MaxRetries = 0
		}
		if p.Timeout <= 0 {
			p.Timeout = DefaultPhaseTimeout
		}
		p.Status = PhasePending
		phases[i] = p
	}
	def.Phases = phases
	d.mu.Lock()
	d.defs[def.ID] = def
	d.mu.Unlock()
	return nil
}

func (d *Definitions) Get(id string) (Definition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownDefinition, id)
	}
	return def, nil
}

// List returns definitions sorted by id.
func (d *Definitions) List() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.defs))
	for _, def := range d.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks ids are unique, every dependency names a phase of the definition and the
// dependency graph has no cycle.
func (def Definition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	}
	if len(def.Phases) == 0 {
		return fmt.Errorf("%w: %s has no phases", ErrInvalidDefinition, def.ID)
	}
	deps := map[string][]string{}
	for _, p := range def.Phases {
		if p.ID == "" {
			return fmt.Errorf("%w: %s has a phase without id", ErrInvalidDefinition, def.ID)
		}
		if _, dup := deps[p.ID]; dup {
			return fmt.Errorf("%w: %s has duplicate phase %s", ErrInvalidDefinition, def.ID, p.ID)
		}
		if p.AgentType == "" || p.Method == "" {
			return fmt.Errorf("%w: phase %s needs agent_type and method", ErrInvalidDefinition, p.ID)
		}
		deps[p.ID] = p.Dependencies
	}
	for id, ds := range deps {
		for _, dep := range ds {
			if _, ok := deps[dep]; !ok {
				return fmt.Errorf("%w: phase %s depends on unknown phase %s", ErrInvalidDefinition, id, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: %s has a dependency cycle through %s", ErrInvalidDefinition, def.ID, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, p := range def.Phases {
		if err := visit(p.ID); err != nil {
			return err
		}
	}
	return nil
}

type definitionsFile struct {
	Definitions []definitionFile `yaml:"definitions"`
}

type definitionFile struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Technology  string      `yaml:"technology"`
	Phases      []phaseFile `yaml:"phases"`
}

type phaseFile struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	AgentType        string         `yaml:"agent_type"`
	Method           string         `yaml:"method"`
	Dependencies     []string       `yaml:"dependencies"`
	ApprovalRequired bool           `yaml:"approval_required"`
	InputData        map[string]any `yaml:"input_data"`
	MaxRetries       *int           `yaml:"max_retries"`
	Timeout          time.Duration  `yaml:"timeout"`
}

// LoadDefinitions reads definitions from a YAML file. Phases without max_retries get DefaultMaxRetries.
func LoadDefinitions(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	return ParseDefinitions(b)
}

func ParseDefinitions(b []byte) ([]Definition, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	defs := make([]Definition, 0, len(file.Definitions))
	for _, df := range file.Definitions {
		def := Definition{ID: df.ID, Name: df.Name, Description: df.Description, Technology: df.Technology}
		for _, pf := range df.Phases {
			maxRetries := DefaultMaxRetries
			if pf.MaxRetries != nil {
				maxRetries = *pf.MaxRetries
			}
			def.Phases = append(def.Phases, Phase{
				ID: pf.ID, Name: pf.Name, Description: pf.Description,
				AgentType: pf.AgentType, Method: pf.Method, Dependencies: pf.Dependencies,
				ApprovalRequired: pf.ApprovalRequired, InputData: pf.InputData,
				MaxRetries: maxRetries, Timeout: pf.Timeout,
			})
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// MarshalDefinitions renders defs in the format ParseDefinitions reads.
func MarshalDefinitions(defs []Definition) ([]byte, error) {
	file := definitionsFile{}
	for _, def := range defs {
		df := definitionFile{ID: def.ID, Name: def.Name, Description: def.Description, Technology: def.Technology}
		for _, p := range def.Phases {
			maxRetries := p.MaxRetries
			df.Phases = append(df.Phases, phaseFile{
				ID: p.ID, Name: p.Name, Description: p.Description,
				AgentType: p.AgentType, Method: p.Method, Dependencies: p.Dependencies,
				ApprovalRequired: p.ApprovalRequired, InputData: p.InputData,
				MaxRetries: &maxRetries, Timeout: p.Timeout,
			})
		}
		file.Definitions = append(file.Definitions, df)
	}
	return yaml.Marshal(file)
}

var buildCommands = map[string]string{
	"java":   "mvn -q -B compile",
	"python": "python3 -m compileall -q .",
	"go":     "go build ./...",
}

// BuiltinDefinitions returns a "<technology>_standard" definition per supported technology:
// specification and generation need approval, review and compile run after generation.
func BuiltinDefinitions() []Definition {
	techs := make([]string, 0, len(buildCommands))
	for tech := range buildCommands {
		techs = append(techs, tech)
	}
	sort.Strings(techs)

	defs := make([]Definition, 0, len(techs))
	for _, tech := range techs {
		defs = append(defs, Definition{
			ID:          DefaultDefinitionID(tech),
			Name:        tech + " standard",
			Description: "specify, generate, review and compile a " + tech + " project",
			Technology:  tech,
			Phases: []Phase{
				{ID: "specification", Name: "Specification", AgentType: "codegen", Method: "analyze_requirements",
					ApprovalRequired: true, MaxRetries: DefaultMaxRetries},
				{ID: "generate", Name: "Code generation", AgentType: "codegen", Method: "generate_code",
					Dependencies: []string{"specification"}, ApprovalRequired: true, MaxRetries: DefaultMaxRetries},
				{ID: "review", Name: "Code review", AgentType: "review", Method: "review_files",
					Dependencies: []string{"generate"}, MaxRetries: DefaultMaxRetries},
				{ID: "compile", Name: "Compilation", AgentType: "terminal", Method: "compile",
					Dependencies: []string{"generate"}, MaxRetries: DefaultMaxRetries,
					InputData: map[string]any{"build_command": buildCommands[tech]}},
			},
		})
	}
	return defs
}
