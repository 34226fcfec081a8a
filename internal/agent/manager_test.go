package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanpaul/relay/internal/logging"
	"github.com/jeanpaul/relay/internal/types"
)

type mockDispatcher struct {
	mainCalls atomic.Int32
	calls     atomic.Int32
	release   chan struct{}
	err       error
	// drain, when set, consumes the agent's queue the way a real run does.
	drain *AgentManager

	mu      sync.Mutex
	seen    []string
	drained []types.AsyncAgentMessage
}

func (d *mockDispatcher) RunMainAgent(ctx context.Context, info AsyncAgentInfo) error {
	d.mainCalls.Add(1)
	return d.wait(info)
}

func (d *mockDispatcher) RunAgent(ctx context.Context, info AsyncAgentInfo) error {
	d.calls.Add(1)
	return d.wait(info)
}

func (d *mockDispatcher) wait(info AsyncAgentInfo) error {
	d.mu.Lock()
	d.seen = append(d.seen, info.AgentID())
	d.mu.Unlock()
	if d.release != nil {
		<-d.release
	}
	if d.drain != nil {
		msgs := d.drain.GetAndClearMessages(info.AgentID())
		d.mu.Lock()
		d.drained = append(d.drained, msgs...)
		d.mu.Unlock()
	}
	return d.err
}

func (d *mockDispatcher) drainedPrompts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.drained))
	for _, m := range d.drained {
		out = append(out, m.Prompt)
	}
	return out
}

func newTestManager(t *testing.T) *AgentManager {
	t.Helper()
	am := NewAgentManager(logging.Discard())
	t.Cleanup(func() { _ = am.Shutdown(context.Background()) })
	return am
}

func register(t *testing.T, am *AgentManager, id, parent, session, input string) {
	t.Helper()
	require.NoError(t, am.RegisterAgent(AsyncAgentInfo{
		State:       &types.AgentState{AgentID: id, ParentID: parent, AgentType: "thinker"},
		SessionID:   session,
		UserInputID: input,
	}))
}

func waitIdle(t *testing.T, am *AgentManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, am.WaitIdle(ctx, 5*time.Millisecond))
}

func TestLaunchSettles(t *testing.T) {
	am := newTestManager(t)
	register(t, am, "ok", "p", "s", "u")
	register(t, am, "bad", "p", "s", "u")

	require.NoError(t, am.Launch("ok", func(context.Context) error { return nil }))
	require.NoError(t, am.Launch("bad", func(context.Context) error { return errors.New("boom") }))
	waitIdle(t, am)

	ok, _ := am.GetAgent("ok")
	bad, _ := am.GetAgent("bad")
	assert.Equal(t, StatusCompleted, ok.Status)
	assert.Equal(t, StatusFailed, bad.Status)

	assert.ErrorIs(t, am.Launch("missing", func(context.Context) error { return nil }), ErrAgentNotFound)
}

func TestSendMessageDoesNotDoubleTrigger(t *testing.T) {
	am := newTestManager(t)
	d := &mockDispatcher{release: make(chan struct{})}
	d.drain = am
	am.SetDispatcher(d)

	register(t, am, "child", "main-agent", "s", "u")
	require.NoError(t, am.Launch("child", func(context.Context) error { return nil }))
	waitIdle(t, am)

	am.SendMessage(types.AsyncAgentMessage{FromAgentID: "a", ToAgentID: "child", Prompt: "one"})
	am.SendMessage(types.AsyncAgentMessage{FromAgentID: "b", ToAgentID: "child", Prompt: "two"})

	info, _ := am.GetAgent("child")
	assert.Equal(t, StatusRunning, info.Status)

	close(d.release)
	waitIdle(t, am)

	assert.Equal(t, int32(1), d.calls.Load())
	assert.Equal(t, int32(0), d.mainCalls.Load())

	assert.Equal(t, []string{"one", "two"}, d.drainedPrompts())
	d.mu.Lock()
	assert.NotZero(t, d.drained[0].Timestamp)
	d.mu.Unlock()
	assert.Empty(t, am.GetMessages("child"))

	// A completed agent is idle again.
	assert.True(t, am.TriggerAgentIfIdle("child"))
	waitIdle(t, am)
	assert.Equal(t, int32(2), d.calls.Load())
}

func TestMessageDuringFinalStepIsDelivered(t *testing.T) {
	am := newTestManager(t)
	d := &mockDispatcher{drain: am}
	am.SetDispatcher(d)
	register(t, am, "child", "main-agent", "s", "u")

	finish := make(chan struct{})
	require.NoError(t, am.Launch("child", func(context.Context) error {
		<-finish
		return nil
	}))

	// The run has already drained its queue; this arrives too late for it.
	am.SendMessage(types.AsyncAgentMessage{FromAgentID: "peer", ToAgentID: "child", Prompt: "late"})
	require.Len(t, am.GetMessages("child"), 1)
	close(finish)

	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	waitDone(t, am, "child")
	waitIdle(t, am)

	assert.Equal(t, int32(1), d.calls.Load())
	assert.Equal(t, []string{"late"}, d.drainedPrompts())
	assert.Empty(t, am.GetMessages("child"))
	info, _ := am.GetAgent("child")
	assert.Equal(t, StatusCompleted, info.Status)
}

func TestMessageDuringFailedRunWaits(t *testing.T) {
	am := newTestManager(t)
	d := &mockDispatcher{drain: am}
	am.SetDispatcher(d)
	register(t, am, "child", "main-agent", "s", "u")

	finish := make(chan struct{})
	require.NoError(t, am.Launch("child", func(context.Context) error {
		<-finish
		return errors.New("boom")
	}))
	am.SendMessage(types.AsyncAgentMessage{ToAgentID: "child", Prompt: "late"})
	close(finish)
	waitDone(t, am, "child")
	waitIdle(t, am)

	assert.Equal(t, int32(0), d.calls.Load())
	assert.Len(t, am.GetMessages("child"), 1)
}

func TestReleaseRedispatchesQueuedMessages(t *testing.T) {
	am := newTestManager(t)
	d := &mockDispatcher{drain: am}
	am.SetDispatcher(d)

	require.NoError(t, am.Claim(AsyncAgentInfo{State: &types.AgentState{AgentID: MainAgentID}, SessionID: "s"}))
	am.SendMessage(types.AsyncAgentMessage{FromAgentID: "child", ToAgentID: MainAgentID, Prompt: "report"})
	assert.Equal(t, int32(0), d.mainCalls.Load())

	am.Release(MainAgentID, nil)
	require.Eventually(t, func() bool { return d.mainCalls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	waitDone(t, am, MainAgentID)
	assert.Equal(t, []string{"report"}, d.drainedPrompts())
}

func TestSendReport(t *testing.T) {
	am := newTestManager(t)
	register(t, am, "live", "p", "s", "u1")
	register(t, am, "gone", "p", "s", "u2")
	am.CleanupUserInputAgents("u2")

	assert.True(t, am.SendReport(types.AsyncAgentMessage{FromAgentID: "live", ToAgentID: "p", Prompt: "ok"}))
	assert.False(t, am.SendReport(types.AsyncAgentMessage{FromAgentID: "gone", ToAgentID: "p", Prompt: "stale"}))
	assert.False(t, am.SendReport(types.AsyncAgentMessage{FromAgentID: "never", ToAgentID: "p", Prompt: "stale"}))

	msgs := am.GetMessages("p")
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Prompt)
}

func TestTriggerAgentIfIdle(t *testing.T) {
	am := newTestManager(t)
	d := &mockDispatcher{err: errors.New("model down")}
	am.SetDispatcher(d)

	assert.False(t, am.TriggerAgentIfIdle("unknown"))

	register(t, am, "running", "", "s", "u")
	assert.False(t, am.TriggerAgentIfIdle("running"))
	assert.Equal(t, int32(0), d.calls.Load())

	require.NoError(t, am.Claim(AsyncAgentInfo{State: &types.AgentState{AgentID: MainAgentID}, SessionID: "s"}))
	am.Release(MainAgentID, nil)

	assert.True(t, am.TriggerAgentIfIdle(MainAgentID))
	waitDone(t, am, MainAgentID)
	assert.Equal(t, int32(1), d.mainCalls.Load())

	main, _ := am.GetAgent(MainAgentID)
	assert.Equal(t, StatusFailed, main.Status)

	// Failed agents may be resurrected by a new message.
	assert.True(t, am.TriggerAgentIfIdle(MainAgentID))
	waitDone(t, am, MainAgentID)
	assert.Equal(t, int32(2), d.mainCalls.Load())
	assert.Equal(t, int32(0), d.calls.Load())
}

func waitDone(t *testing.T, am *AgentManager, id string) {
	t.Helper()
	ch, ok := am.Done(id)
	if !ok {
		return
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never finished", id)
	}
}

func TestTriggerWithoutDispatcher(t *testing.T) {
	am := newTestManager(t)
	register(t, am, "a", "", "s", "u")
	require.NoError(t, am.Launch("a", func(context.Context) error { return nil }))
	waitIdle(t, am)

	assert.False(t, am.TriggerAgentIfIdle("a"))
	info, _ := am.GetAgent("a")
	assert.Equal(t, StatusCompleted, info.Status)
}

func TestGetAndClearMessages(t *testing.T) {
	am := newTestManager(t)
	am.SendMessage(types.AsyncAgentMessage{ToAgentID: "x", Prompt: "1"})
	am.SendMessage(types.AsyncAgentMessage{ToAgentID: "x", Prompt: "2"})

	got := am.GetAndClearMessages("x")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Prompt)
	assert.Empty(t, am.GetAndClearMessages("x"))
	assert.Empty(t, am.GetMessages("x"))
}

func TestChildQueries(t *testing.T) {
	am := newTestManager(t)
	register(t, am, "c1", "p", "s", "u")
	register(t, am, "c2", "p", "s", "u")
	register(t, am, "other", "q", "s", "u")

	assert.Len(t, am.GetChildAgents("p"), 2)
	assert.True(t, am.HasRunningChildren("p"))

	require.NoError(t, am.Launch("c1", func(context.Context) error { return nil }))
	require.NoError(t, am.Launch("c2", func(context.Context) error { return nil }))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for am.HasRunningChildren("p") {
		select {
		case <-ctx.Done():
			t.Fatal("children never settled")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.True(t, am.HasRunningChildren("q"))
	assert.Len(t, am.GetSessionAgents("s"), 3)
}

func TestCleanupSession(t *testing.T) {
	am := newTestManager(t)
	release := make(chan struct{})
	register(t, am, "busy", "p", "s1", "u1")
	register(t, am, "done", "p", "s1", "u1")
	register(t, am, "keep", "p", "s2", "u2")
	require.NoError(t, am.Launch("busy", func(context.Context) error { <-release; return nil }))
	require.NoError(t, am.Launch("done", func(context.Context) error { return nil }))
	doneCh, ok := am.Done("done")
	if ok {
		<-doneCh
	}
	am.SendMessage(types.AsyncAgentMessage{ToAgentID: "busy", Prompt: "hi"})

	removed := am.CleanupSession("s1")
	require.Len(t, removed, 2)
	statuses := map[string]Status{}
	for _, r := range removed {
		statuses[r.AgentID()] = r.Status
	}
	assert.Equal(t, StatusCancelled, statuses["busy"])
	assert.Equal(t, StatusCompleted, statuses["done"])

	_, ok = am.GetAgent("busy")
	assert.False(t, ok)
	_, ok = am.GetAgent("done")
	assert.False(t, ok)
	assert.Empty(t, am.GetMessages("busy"))
	assert.Len(t, am.GetSessionAgents("s2"), 1)

	// The cancelled run finishes later without resurrecting its entry.
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, am.Shutdown(ctx))
	_, ok = am.GetAgent("busy")
	assert.False(t, ok)
}

func TestCleanupUserInputAgents(t *testing.T) {
	am := newTestManager(t)
	register(t, am, "a", "", "s", "u1")
	register(t, am, "b", "", "s", "u2")

	removed := am.CleanupUserInputAgents("u1")
	require.Len(t, removed, 1)
	assert.Equal(t, StatusCancelled, removed[0].Status)
	assert.Len(t, am.List(), 1)
}

func TestUpdateAgentState(t *testing.T) {
	am := newTestManager(t)
	register(t, am, "a", "", "s", "u")

	next := &types.AgentState{AgentID: "a", StepsRemaining: 3}
	require.NoError(t, am.UpdateAgentState("a", next))
	info, _ := am.GetAgent("a")
	assert.Same(t, next, info.State)

	assert.ErrorIs(t, am.UpdateAgentState("zz", next), ErrAgentNotFound)

	require.Error(t, am.UpdateAgentState("a", nil))
	info, _ = am.GetAgent("a")
	assert.Same(t, next, info.State)
	assert.NotPanics(t, func() { am.GetChildAgents("p") })
	assert.NotPanics(t, func() { am.HasRunningChildren("p") })
}

func TestClaimBusy(t *testing.T) {
	am := newTestManager(t)
	info := AsyncAgentInfo{State: &types.AgentState{AgentID: MainAgentID}}
	require.NoError(t, am.Claim(info))
	assert.ErrorIs(t, am.Claim(info), ErrAgentBusy)
	am.Release(MainAgentID, nil)
	require.NoError(t, am.Claim(info))
}
