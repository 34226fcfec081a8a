package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeanpaul/relay/internal/types"
)

// MainAgentID is the reserved id of the agent that answers the human directly.
const MainAgentID = "main-agent"

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentBusy      = errors.New("agent is already running")
	ErrAgentCancelled = errors.New("agent was cancelled")
)

// AsyncAgentInfo is one lifecycle entry. Values returned by the manager are
// snapshots; State is shared with the running agent.
type AsyncAgentInfo struct {
	State       *types.AgentState
	Template    *types.AgentTemplate
	SessionID   string
	UserID      string
	UserInputID string
	Transport   types.Transport
	FileContext *types.FileContext
	StartTime   time.Time
	Status      Status

	task *task
}

// AgentID is a shorthand for State.AgentID.
func (i AsyncAgentInfo) AgentID() string {
	if i.State == nil {
		return ""
	}
	return i.State.AgentID
}

// task is the handle of one in-flight execution.
type task struct {
	done chan struct{}
}

// Dispatcher runs a registered agent when new messages arrive for it.
type Dispatcher interface {
	// RunMainAgent continues the main agent through the top-level prompt path.
	RunMainAgent(ctx context.Context, info AsyncAgentInfo) error
	// RunAgent runs any other agent with no seed prompt; its work arrives
	// through its message queue.
	RunAgent(ctx context.Context, info AsyncAgentInfo) error
}

// AgentManager tracks detached agents and relays messages between agents.
// Every status transition happens under mu.
type AgentManager struct {
	mu         sync.Mutex
	agents     map[string]*AsyncAgentInfo
	queues     map[string][]types.AsyncAgentMessage
	dispatcher Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewAgentManager(logger *slog.Logger) *AgentManager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentManager{
		agents: make(map[string]*AsyncAgentInfo),
		queues: make(map[string][]types.AsyncAgentMessage),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

func (am *AgentManager) SetDispatcher(d Dispatcher) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.dispatcher = d
}

// Context is the base context detached tasks run under. It is cancelled by Shutdown.
func (am *AgentManager) Context() context.Context {
	return am.ctx
}

// RegisterAgent adds or replaces an entry in the running state.
func (am *AgentManager) RegisterAgent(info AsyncAgentInfo) error {
	if info.State == nil || info.State.AgentID == "" {
		return fmt.Errorf("register agent: missing agent state")
	}
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}
	info.Status = StatusRunning
	info.task = nil

	am.mu.Lock()
	defer am.mu.Unlock()
	am.agents[info.State.AgentID] = &info
	return nil
}

// Claim registers info as running unless an entry with the same id is
// already running, in which case it returns ErrAgentBusy. Queued messages
// for the id are kept.
func (am *AgentManager) Claim(info AsyncAgentInfo) error {
	if info.State == nil || info.State.AgentID == "" {
		return fmt.Errorf("claim agent: missing agent state")
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	if cur, ok := am.agents[info.State.AgentID]; ok && cur.Status == StatusRunning {
		return ErrAgentBusy
	}
	info.StartTime = time.Now()
	info.Status = StatusRunning
	info.task = nil
	am.agents[info.State.AgentID] = &info
	return nil
}

// Release settles a claimed agent as completed or failed. A completed agent
// with queued messages is dispatched again.
func (am *AgentManager) Release(agentID string, runErr error) {
	am.mu.Lock()
	retrigger := false
	if info, ok := am.agents[agentID]; ok && info.task == nil {
		am.settleLocked(info, runErr)
		retrigger = am.pendingLocked(info)
	}
	am.mu.Unlock()

	if retrigger {
		am.TriggerAgentIfIdle(agentID)
	}
}

// Launch starts run on a detached goroutine under the manager's base context
// and stores the task handle in agentID's entry. When run returns, the entry
// is settled unless it was cancelled or removed meanwhile.
func (am *AgentManager) Launch(agentID string, run func(ctx context.Context) error) error {
	am.mu.Lock()
	info, ok := am.agents[agentID]
	if !ok {
		am.mu.Unlock()
		return fmt.Errorf("launch %s: %w", agentID, ErrAgentNotFound)
	}
	t := am.newTaskLocked()
	info.task = t
	info.Status = StatusRunning
	am.mu.Unlock()

	am.start(agentID, t, run)
	return nil
}

func (am *AgentManager) newTaskLocked() *task {
	return &task{done: make(chan struct{})}
}

// Done returns a channel closed when agentID's in-flight task returns.
func (am *AgentManager) Done(agentID string) (<-chan struct{}, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()
	info, ok := am.agents[agentID]
	if !ok || info.task == nil {
		return nil, false
	}
	return info.task.done, true
}

func (am *AgentManager) start(agentID string, t *task, run func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(am.ctx)

	am.wg.Add(1)
	go func() {
		defer am.wg.Done()
		defer close(t.done)
		defer cancel()

		err := run(ctx)
		if err != nil {
			am.logger.Error("agent run failed", "agent_id", agentID, "err", err)
		}

		am.mu.Lock()
		retrigger := false
		if info, ok := am.agents[agentID]; ok && info.task == t {
			am.settleLocked(info, err)
			retrigger = am.pendingLocked(info)
		}
		am.mu.Unlock()

		// Messages that arrived after the run's last drain.
		if retrigger {
			am.TriggerAgentIfIdle(agentID)
		}
	}()
}

func (am *AgentManager) settleLocked(info *AsyncAgentInfo, err error) {
	info.task = nil
	if info.Status != StatusRunning {
		return
	}
	if err != nil {
		info.Status = StatusFailed
	} else {
		info.Status = StatusCompleted
	}
}

// pendingLocked reports whether a just-settled agent has queued messages
// and should run again. Failed agents wait for an explicit trigger.
func (am *AgentManager) pendingLocked(info *AsyncAgentInfo) bool {
	return info.Status == StatusCompleted && len(am.queues[info.State.AgentID]) > 0 && am.ctx.Err() == nil
}

// UpdateAgentState replaces the tracked state of agentID.
func (am *AgentManager) UpdateAgentState(agentID string, state *types.AgentState) error {
	if state == nil {
		return fmt.Errorf("update %s: missing agent state", agentID)
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	info, ok := am.agents[agentID]
	if !ok {
		return fmt.Errorf("update %s: %w", agentID, ErrAgentNotFound)
	}
	if info.Status == StatusCancelled {
		return fmt.Errorf("update %s: %w", agentID, ErrAgentCancelled)
	}
	info.State = state
	return nil
}

func (am *AgentManager) GetAgent(agentID string) (AsyncAgentInfo, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()
	info, ok := am.agents[agentID]
	if !ok {
		return AsyncAgentInfo{}, false
	}
	return *info, true
}

func (am *AgentManager) GetSessionAgents(sessionID string) []AsyncAgentInfo {
	return am.filter(func(i *AsyncAgentInfo) bool { return i.SessionID == sessionID })
}

func (am *AgentManager) GetChildAgents(parentID string) []AsyncAgentInfo {
	return am.filter(func(i *AsyncAgentInfo) bool { return i.State.ParentID == parentID })
}

func (am *AgentManager) HasRunningChildren(parentID string) bool {
	for _, c := range am.GetChildAgents(parentID) {
		if c.Status == StatusRunning {
			return true
		}
	}
	return false
}

// List returns every tracked agent.
func (am *AgentManager) List() []AsyncAgentInfo {
	return am.filter(func(*AsyncAgentInfo) bool { return true })
}

func (am *AgentManager) filter(keep func(*AsyncAgentInfo) bool) []AsyncAgentInfo {
	am.mu.Lock()
	defer am.mu.Unlock()
	var out []AsyncAgentInfo
	for _, info := range am.agents {
		if keep(info) {
			out = append(out, *info)
		}
	}
	return out
}

// SendMessage queues msg for its recipient and wakes the recipient if idle.
func (am *AgentManager) SendMessage(msg types.AsyncAgentMessage) {
	am.mu.Lock()
	am.enqueueLocked(msg)
	am.mu.Unlock()

	am.TriggerAgentIfIdle(msg.ToAgentID)
}

// SendReport is SendMessage for a detached agent reporting its result. The
// report is dropped when the sender was cancelled or is no longer tracked;
// the check and the enqueue happen under one lock. It reports whether msg
// was queued.
func (am *AgentManager) SendReport(msg types.AsyncAgentMessage) bool {
	am.mu.Lock()
	from, ok := am.agents[msg.FromAgentID]
	if !ok || from.Status == StatusCancelled {
		am.mu.Unlock()
		am.logger.Debug("dropping report from cancelled agent", "agent_id", msg.FromAgentID, "to", msg.ToAgentID)
		return false
	}
	am.enqueueLocked(msg)
	am.mu.Unlock()

	am.TriggerAgentIfIdle(msg.ToAgentID)
	return true
}

func (am *AgentManager) enqueueLocked(msg types.AsyncAgentMessage) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	am.queues[msg.ToAgentID] = append(am.queues[msg.ToAgentID], msg)
}

// GetMessages returns a copy of the queue for agentID.
func (am *AgentManager) GetMessages(agentID string) []types.AsyncAgentMessage {
	am.mu.Lock()
	defer am.mu.Unlock()
	return append([]types.AsyncAgentMessage(nil), am.queues[agentID]...)
}

// GetAndClearMessages consumes the queue for agentID.
func (am *AgentManager) GetAndClearMessages(agentID string) []types.AsyncAgentMessage {
	am.mu.Lock()
	defer am.mu.Unlock()
	msgs := am.queues[agentID]
	delete(am.queues, agentID)
	return msgs
}

// TriggerAgentIfIdle dispatches agentID unless it is unknown, running or
// cancelled. The idle check and the switch to running are one critical
// section, so concurrent callers dispatch at most once. It reports whether a
// dispatch was started.
func (am *AgentManager) TriggerAgentIfIdle(agentID string) bool {
	am.mu.Lock()
	info, ok := am.agents[agentID]
	if !ok || info.Status == StatusRunning || info.Status == StatusCancelled {
		am.mu.Unlock()
		return false
	}
	d := am.dispatcher
	if d == nil {
		am.mu.Unlock()
		am.logger.Warn("no dispatcher set; message left queued", "agent_id", agentID)
		return false
	}
	info.Status = StatusRunning
	t := am.newTaskLocked()
	info.task = t
	snap := *info
	am.mu.Unlock()

	am.logger.Debug("triggering idle agent", "agent_id", agentID, "session_id", snap.SessionID)
	am.start(agentID, t, func(ctx context.Context) error {
		if agentID == MainAgentID {
			return d.RunMainAgent(ctx, snap)
		}
		return d.RunAgent(ctx, snap)
	})
	return true
}

// CleanupSession removes every agent of sessionID along with its queue.
// Running agents are marked cancelled first; their in-flight work is not
// interrupted. The removed entries are returned.
func (am *AgentManager) CleanupSession(sessionID string) []AsyncAgentInfo {
	return am.cleanup(func(i *AsyncAgentInfo) bool { return i.SessionID == sessionID })
}

// CleanupUserInputAgents is CleanupSession scoped to one user input.
func (am *AgentManager) CleanupUserInputAgents(userInputID string) []AsyncAgentInfo {
	return am.cleanup(func(i *AsyncAgentInfo) bool { return i.UserInputID == userInputID })
}

func (am *AgentManager) cleanup(match func(*AsyncAgentInfo) bool) []AsyncAgentInfo {
	am.mu.Lock()
	defer am.mu.Unlock()
	var removed []AsyncAgentInfo
	for id, info := range am.agents {
		if !match(info) {
			continue
		}
		if info.Status == StatusRunning {
			info.Status = StatusCancelled
		}
		removed = append(removed, *info)
		delete(am.agents, id)
		delete(am.queues, id)
	}
	if len(removed) > 0 {
		am.logger.Info("cleaned up agents", "count", len(removed))
	}
	return removed
}

// Running reports how many tracked agents are running.
func (am *AgentManager) Running() int {
	am.mu.Lock()
	defer am.mu.Unlock()
	n := 0
	for _, info := range am.agents {
		if info.Status == StatusRunning {
			n++
		}
	}
	return n
}

// WaitIdle polls until no tracked agent is running or ctx is done.
func (am *AgentManager) WaitIdle(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if am.Running() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown cancels every detached task and waits for them to return or for
// ctx to end.
func (am *AgentManager) Shutdown(ctx context.Context) error {
	am.cancel()
	done := make(chan struct{})
	go func() {
		am.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
