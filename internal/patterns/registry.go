package patterns

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// catalogFile is the on-disk shape of a catalog in any supported format.
type catalogFile struct {
	Patterns []PatternDefinition `json:"patterns" yaml:"patterns" toml:"patterns"`
}

// Registry is an immutable, validated set of pattern definitions.
type Registry struct {
	byID  map[string]*PatternDefinition
	order []string // ids, sorted
}

// NewRegistry validates defs and builds a registry. Any malformed entry
// fails the whole load; a registry never runs with partial coverage.
func NewRegistry(defs []PatternDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, &RegistryError{Index: -1, Reason: "catalog is empty"}
	}

	r := &Registry{byID: make(map[string]*PatternDefinition, len(defs))}
	for i := range defs {
		def, err := normalize(i, defs[i])
		if err != nil {
			return nil, err
		}
		if _, dup := r.byID[def.ID]; dup {
			return nil, &RegistryError{Index: i, ID: def.ID, Reason: "duplicate id"}
		}
		r.byID[def.ID] = def
		r.order = append(r.order, def.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// normalize validates one entry and returns a private deep copy.
func normalize(i int, d PatternDefinition) (*PatternDefinition, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return nil, &RegistryError{Index: i, Reason: "id is required"}
	}
	cat, err := ParseCategory(string(d.Category))
	if err != nil {
		return nil, &RegistryError{Index: i, ID: id, Reason: err.Error()}
	}
	if d.HarmLevel < 1 || d.HarmLevel > 5 {
		return nil, &RegistryError{Index: i, ID: id, Reason: fmt.Sprintf("harm level %d outside 1-5", d.HarmLevel)}
	}
	selectors := cleanList(d.Criteria.Selectors, false)
	cues := cleanList(d.Criteria.TextCues, true)
	if len(selectors) == 0 && len(cues) == 0 {
		return nil, &RegistryError{Index: i, ID: id, Reason: "criteria need at least one selector or text cue"}
	}
	if strings.TrimSpace(d.Guidance) == "" {
		return nil, &RegistryError{Index: i, ID: id, Reason: "guidance is required"}
	}

	return &PatternDefinition{
		ID:          id,
		Name:        strings.TrimSpace(d.Name),
		Category:    cat,
		HarmLevel:   d.HarmLevel,
		Description: strings.TrimSpace(d.Description),
		Criteria: Criteria{
			Selectors:  selectors,
			TextCues:   cues,
			Indicators: cleanList(d.Criteria.Indicators, false),
		},
		Guidance:   strings.TrimSpace(d.Guidance),
		Violations: cleanList(d.Violations, false),
	}, nil
}

// cleanList trims entries, drops blanks and duplicates. Text cues are
// lower-cased so matching can be case-insensitive.
func cleanList(in []string, lower bool) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if lower {
			s = normalizeText(s)
		}
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Default returns the registry built from the embedded catalog.
func Default() (*Registry, error) {
	return Parse(defaultCatalog, ".yaml")
}

// LoadFile reads a catalog from disk. The format follows the extension:
// .yaml/.yml, .toml or .json.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, &RegistryError{Index: -1, Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes a catalog in the format named by ext and validates it.
func Parse(data []byte, ext string) (*Registry, error) {
	var file catalogFile
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".toml":
		_, err = toml.Decode(string(data), &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, &RegistryError{Index: -1, Reason: fmt.Sprintf("unsupported catalog format %q", ext)}
	}
	if err != nil {
		return nil, &RegistryError{Index: -1, Reason: fmt.Sprintf("decode catalog: %v", err)}
	}
	return NewRegistry(file.Patterns)
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (PatternDefinition, bool) {
	def, ok := r.byID[id]
	if !ok {
		return PatternDefinition{}, false
	}
	return def.clone(), true
}

// All returns every definition ordered by id.
func (r *Registry) All() []PatternDefinition {
	out := make([]PatternDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

// ByCategory returns the definitions in category c ordered by id.
func (r *Registry) ByCategory(c Category) []PatternDefinition {
	var out []PatternDefinition
	for _, id := range r.order {
		if def := r.byID[id]; def.Category == c {
			out = append(out, def.clone())
		}
	}
	return out
}

// Len returns the number of definitions.
func (r *Registry) Len() int { return len(r.order) }

func (d *PatternDefinition) clone() PatternDefinition {
	cp := *d
	cp.Criteria.Selectors = append([]string(nil), d.Criteria.Selectors...)
	cp.Criteria.TextCues = append([]string(nil), d.Criteria.TextCues...)
	cp.Criteria.Indicators = append([]string(nil), d.Criteria.Indicators...)
	cp.Violations = append([]string(nil), d.Violations...)
	return cp
}
