// Package runtime wires the agent core together and owns one session: the
// main agent, its detached descendants and the sink their output goes to.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/dig"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/config"
	"github.com/jeanpaul/relay/internal/executor"
	"github.com/jeanpaul/relay/internal/prune"
	"github.com/jeanpaul/relay/internal/provider"
	"github.com/jeanpaul/relay/internal/registry"
	"github.com/jeanpaul/relay/internal/schema"
	"github.com/jeanpaul/relay/internal/spawn"
	"github.com/jeanpaul/relay/internal/tools"
	"github.com/jeanpaul/relay/internal/transport"
	"github.com/jeanpaul/relay/internal/types"
)

type Option func(*options)

type options struct {
	provider provider.Provider
	executor types.StepExecutor
	sink     transport.Sink
	userID   string
}

// WithProvider replaces the provider built from configuration.
func WithProvider(p provider.Provider) Option { return func(o *options) { o.provider = p } }

// WithExecutor replaces the model-backed step executor.
func WithExecutor(e types.StepExecutor) Option { return func(o *options) { o.executor = e } }

// WithSink sets where the session's output goes. The default discards it.
func WithSink(s transport.Sink) Option { return func(o *options) { o.sink = s } }

func WithUserID(id string) Option { return func(o *options) { o.userID = id } }

// Runtime is one session. Prompts to it run one at a time on the main agent.
type Runtime struct {
	cfg      *config.Config
	registry *registry.Registry
	manager  *agent.AgentManager
	pipeline *spawn.Pipeline
	tools    *tools.Registry
	executor types.StepExecutor
	sink     transport.Sink
	logger   *slog.Logger

	sessionID string
	userID    string

	mu      sync.Mutex
	main    *types.AgentState
	session *types.Session
	tmpl    *types.AgentTemplate
}

// New builds every component from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.sink == nil {
		o.sink = transport.NewRecorder()
	}

	c, err := container(cfg, logger, o)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:       cfg,
		sink:      o.sink,
		logger:    logger,
		sessionID: uuid.NewString(),
		userID:    o.userID,
	}
	err = c.Invoke(func(reg *registry.Registry, m *agent.AgentManager, p *spawn.Pipeline, t *tools.Registry, e types.StepExecutor) {
		r.registry, r.manager, r.pipeline, r.tools, r.executor = reg, m, p, t, e
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", dig.RootCause(err))
	}
	r.manager.SetDispatcher(dispatcher{r})
	r.logger = logger.With("session_id", r.sessionID)
	return r, nil
}

func container(cfg *config.Config, logger *slog.Logger, o options) (*dig.Container, error) {
	c := dig.New()
	provides := []any{
		func() *config.Config { return cfg },
		func() *slog.Logger { return logger },
		schema.NewValidator,
		newRegistry,
		agent.NewAgentManager,
		func(cfg *config.Config, l *slog.Logger) (provider.Provider, error) {
			if o.provider != nil {
				return o.provider, nil
			}
			return provider.FromConfig(cfg, l)
		},
		func(cfg *config.Config, p provider.Provider, m *agent.AgentManager, l *slog.Logger) types.StepExecutor {
			if o.executor != nil {
				return o.executor
			}
			return executor.New(p, m, executor.Options{
				PrunerEnabled:    cfg.Pruner.Enabled,
				MaxContextTokens: cfg.Pruner.MaxContextTokens,
				ProjectContext:   cfg.Agents.ProjectContext,
			}, l)
		},
		newPipeline,
		tools.NewRegistry,
	}
	for _, p := range provides {
		if err := c.Provide(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New(logger)
	if err := reg.LoadBuiltins(); err != nil {
		return nil, err
	}
	err := reg.Register(prune.Template(prune.Options{
		MaxContextTokens:       cfg.Pruner.MaxContextTokens,
		TerminalCommandsToKeep: cfg.Pruner.TerminalCommandsToKeep,
	}))
	if err != nil {
		return nil, err
	}
	if err := reg.LoadDir(cfg.TemplatesDir()); err != nil {
		return nil, err
	}
	return reg, nil
}

func newPipeline(
	cfg *config.Config,
	reg *registry.Registry,
	v *schema.Validator,
	e types.StepExecutor,
	m *agent.AgentManager,
	logger *slog.Logger,
) *spawn.Pipeline {
	return spawn.NewPipeline(reg, v, e, m, spawn.Options{
		DefaultSteps: cfg.Agents.DefaultSteps,
		AsyncEnabled: cfg.Spawn.AsyncEnabled,
		MaxParallel:  cfg.Spawn.MaxParallel,
	}, logger)
}

func (r *Runtime) SessionID() string { return r.sessionID }

func (r *Runtime) Registry() *registry.Registry { return r.registry }

func (r *Runtime) Manager() *agent.AgentManager { return r.manager }

// PromptRequest is one prompt from the human.
type PromptRequest struct {
	Prompt string
	// Agent overrides the configured main template.
	Agent          string
	UserInputID    string
	FileContext    *types.FileContext
	LocalTemplates map[string]*types.AgentTemplate
}

type PromptResult struct {
	UserInputID string
	Final       string
	State       *types.AgentState
}

// Prompt runs the main agent on one prompt and returns its final answer.
// It fails with agent.ErrAgentBusy while the main agent is still running.
// When ctx is cancelled, the prompt's detached agents are cancelled too.
func (r *Runtime) Prompt(ctx context.Context, req PromptRequest) (PromptResult, error) {
	tmplID := req.Agent
	if tmplID == "" {
		tmplID = r.cfg.Agents.Main
	}
	tmpl, ok := r.registry.Resolve(tmplID, req.LocalTemplates)
	if !ok {
		return PromptResult{}, fmt.Errorf("main agent template %s: %w", tmplID, spawn.ErrNotFound)
	}
	if req.UserInputID == "" {
		req.UserInputID = uuid.NewString()
	}
	local := req.LocalTemplates
	if local == nil {
		local = map[string]*types.AgentTemplate{}
	}
	session := &types.Session{
		SessionID:      r.sessionID,
		UserID:         r.userID,
		UserInputID:    req.UserInputID,
		Transport:      r.sink,
		FileContext:    req.FileContext,
		LocalTemplates: local,
		Tools:          r.tools,
	}

	r.mu.Lock()
	if r.main == nil || r.main.AgentType != tmpl.ID {
		r.main = &types.AgentState{
			AgentID:        agent.MainAgentID,
			AgentType:      tmpl.ID,
			MessageHistory: types.NewHistory(),
			AgentContext:   types.AgentContext{},
		}
	}
	state := r.main
	r.mu.Unlock()

	err := r.manager.Claim(agent.AsyncAgentInfo{
		State:       state,
		Template:    tmpl,
		SessionID:   session.SessionID,
		UserID:      session.UserID,
		UserInputID: session.UserInputID,
		Transport:   session.Transport,
		FileContext: session.FileContext,
	})
	if err != nil {
		return PromptResult{}, err
	}

	r.mu.Lock()
	r.session, r.tmpl = session, tmpl
	r.mu.Unlock()

	final, err := r.runMain(ctx, session, tmpl, state, req.Prompt)
	if ctx.Err() != nil {
		cancelled := r.manager.CleanupUserInputAgents(req.UserInputID)
		r.logger.Info("prompt cancelled", "user_input_id", req.UserInputID, "cancelled_agents", len(cancelled))
	}
	// Reports queued during the final step are dispatched on release.
	r.manager.Release(agent.MainAgentID, err)
	if err != nil {
		return PromptResult{UserInputID: req.UserInputID, State: state}, err
	}
	return PromptResult{UserInputID: req.UserInputID, Final: final, State: state}, nil
}

// runMain executes the main agent and reports its outcome to the sink.
func (r *Runtime) runMain(ctx context.Context, session *types.Session, tmpl *types.AgentTemplate, state *types.AgentState, prompt string) (string, error) {
	state.RunID = uuid.NewString()
	state.StepsRemaining = r.cfg.Agents.DefaultSteps

	_, err := r.executor.Execute(ctx, types.StepRequest{
		Template: tmpl,
		State:    state,
		Prompt:   prompt,
		Session:  session,
		OnChunk: func(ev types.StreamEvent) {
			if serr := r.sink.SendEvent(ctx, ev); serr != nil {
				r.logger.Debug("dropping main agent event", "err", serr)
			}
		},
	})
	if err != nil {
		if serr := r.sink.SendError(ctx, err); serr != nil {
			r.logger.Debug("dropping error", "err", serr)
		}
		return "", err
	}

	final := ""
	if m, ok := state.MessageHistory.LastAssistant(); ok {
		final = m.Content
	}
	if serr := r.sink.SendDone(ctx, final); serr != nil {
		r.logger.Debug("dropping done", "err", serr)
	}
	return final, nil
}

// Wait blocks until no agent of the session is running.
func (r *Runtime) Wait(ctx context.Context) error {
	return r.manager.WaitIdle(ctx, pollInterval)
}

// CloseSession cancels every agent of the session.
func (r *Runtime) CloseSession() []agent.AsyncAgentInfo {
	return r.manager.CleanupSession(r.sessionID)
}

// Close cancels detached agents and waits for them to return.
func (r *Runtime) Close(ctx context.Context) error {
	r.CloseSession()
	err := r.manager.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		r.logger.Warn("agents still running at shutdown")
	}
	return err
}
