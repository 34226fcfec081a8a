package registry

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/jeanpaul/relay/internal/config"
	"github.com/jeanpaul/relay/internal/types"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Registry owns the agent templates known to the process.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*types.AgentTemplate
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		templates: make(map[string]*types.AgentTemplate),
		logger:    logger,
	}
}

// Register adds t, replacing any template with the same id.
func (r *Registry) Register(t *types.AgentTemplate) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("registry: template has no id")
	}
	if _, ok := ParseAgentID(t.ID); !ok {
		return fmt.Errorf("registry: malformed template id %q", t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.templates[t.ID]; dup {
		r.logger.Warn("replacing agent template", "agent_type", t.ID)
	}
	r.templates[t.ID] = t
	return nil
}

// LoadBuiltins registers the embedded base, thinker and reviewer templates.
func (r *Registry) LoadBuiltins() error {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return err
	}
	return r.load(sub)
}

// LoadDir registers every template file under dir. A missing dir is not an error.
func (r *Registry) LoadDir(dir string) error {
	ts, err := config.LoadTemplateDir(dir)
	if err != nil {
		return fmt.Errorf("registry: load %s: %w", dir, err)
	}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	r.logger.Debug("loaded agent templates", "dir", dir, "count", len(ts))
	return nil
}

func (r *Registry) load(fsys fs.FS) error {
	ts, err := config.LoadTemplates(fsys)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// All returns a copy of the registered templates keyed by id.
func (r *Registry) All() map[string]*types.AgentTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*types.AgentTemplate, len(r.templates))
	for id, t := range r.templates {
		out[id] = t
	}
	return out
}

// List returns the registered templates sorted by id.
func (r *Registry) List() []*types.AgentTemplate {
	all := r.All()
	out := make([]*types.AgentTemplate, 0, len(all))
	for _, t := range all {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve finds the template for id. An exact id in local wins, then an
// exact registered id. Otherwise every template whose parsed id agrees on the
// parts id gives is a candidate, and the highest version wins.
func (r *Registry) Resolve(id string, local map[string]*types.AgentTemplate) (*types.AgentTemplate, bool) {
	if t, ok := local[id]; ok {
		return t, true
	}
	r.mu.RLock()
	t, ok := r.templates[id]
	r.mu.RUnlock()
	if ok {
		return t, true
	}

	want, ok := ParseAgentID(id)
	if !ok {
		return nil, false
	}

	var best *types.AgentTemplate
	var bestID AgentID
	consider := func(t *types.AgentTemplate) {
		got, ok := ParseAgentID(t.ID)
		if !ok || got.Name != want.Name {
			return
		}
		if want.Publisher != "" && got.Publisher != want.Publisher {
			return
		}
		if want.Version != "" && got.Version != want.Version {
			return
		}
		if best == nil || newer(got, bestID) {
			best, bestID = t, got
		}
	}
	for _, t := range local {
		consider(t)
	}
	for _, t := range r.All() {
		consider(t)
	}
	return best, best != nil
}

// newer orders by semantic version, then by id so the choice is stable
// across map iteration orders.
func newer(a, b AgentID) bool {
	if c := semver.Compare(canonical(a.Version), canonical(b.Version)); c != 0 {
		return c > 0
	}
	return a.String() < b.String()
}

func canonical(v string) string {
	if v == "" {
		return ""
	}
	return "v" + v
}
