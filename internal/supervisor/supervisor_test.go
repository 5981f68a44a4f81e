package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/liuma-go/provider/internal/model"
	"github.com/liuma-go/provider/internal/registry"
)

// fakeChild records whether it was stopped, for reverse-order assertions.
type fakeChild struct {
	name    string
	stopped *[]string
}

func (c fakeChild) Stop() error {
	*c.stopped = append(*c.stopped, c.name)
	return nil
}

// fakePipeline is a scripted Pipeline: each method call pops the next
// queued result, so a test can drive a supervisor through an exact
// sequence of health-check outcomes.
type fakePipeline struct {
	mu sync.Mutex

	prepareErr error
	endpoints  model.Endpoints

	healthResults []error
	recoverResults []error

	prepareCalls int
	healthCalls  int
	recoverCalls int
	teardownCalls int

	stopped []string
}

func (p *fakePipeline) Prepare(_ context.Context, rec *model.DeviceRecord) (model.Endpoints, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepareCalls++
	if p.prepareErr != nil {
		return model.Endpoints{}, nil, p.prepareErr
	}
	rec.AddChild(fakeChild{name: "helper", stopped: &p.stopped})
	rec.AddPort(9999)
	return p.endpoints, map[string]any{"ok": true}, nil
}

func (p *fakePipeline) HealthCheck(_ context.Context, _ *model.DeviceRecord) (model.Endpoints, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.healthCalls
	p.healthCalls++
	if idx < len(p.healthResults) && p.healthResults[idx] != nil {
		return model.Endpoints{}, p.healthResults[idx]
	}
	return p.endpoints, nil
}

func (p *fakePipeline) Recover(_ context.Context, _ *model.DeviceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.recoverCalls
	p.recoverCalls++
	if idx < len(p.recoverResults) {
		return p.recoverResults[idx]
	}
	return nil
}

func (p *fakePipeline) Teardown(_ context.Context, _ *model.DeviceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownCalls++
}

// fakeEvents records EmitInit/EmitDelete calls in order.
type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) EmitInit(serial string, _ model.Endpoints, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "init:"+serial)
}

func (e *fakeEvents) EmitDelete(serial string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "delete:"+serial)
}

func (e *fakeEvents) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	copy(out, e.events)
	return out
}

func newTestSupervisor(pipeline *fakePipeline, events *fakeEvents) (*Supervisor, *registry.Registry) {
	reg := registry.New()
	sup := New("SERIAL1", model.PlatformAndroid, pipeline, reg, events, nil)
	sup.healthyInterval = 20 * time.Millisecond
	sup.degradedInterval = 5 * time.Millisecond
	return sup, reg
}

func TestSupervisorPrepareFailureTerminatesWithoutRestart(t *testing.T) {
	pipeline := &fakePipeline{prepareErr: fmt.Errorf("boom")}
	events := &fakeEvents{}
	sup, reg := newTestSupervisor(pipeline, events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sup.Run(ctx)

	if pipeline.prepareCalls != 1 {
		t.Fatalf("expected one Prepare call, got %d", pipeline.prepareCalls)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected registry to be empty after failed prepare, got %d entries", reg.Len())
	}
	got := events.snapshot()
	if len(got) != 1 || got[0] != "delete:SERIAL1" {
		t.Fatalf("expected a single delete event, got %v", got)
	}
}

func TestSupervisorReachesReadyAndEmitsInit(t *testing.T) {
	pipeline := &fakePipeline{endpoints: model.Endpoints{AgentURL: "http://127.0.0.1:1"}}
	events := &fakeEvents{}
	sup, reg := newTestSupervisor(pipeline, events)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	deadline := time.After(time.Second)
	for {
		if rec, ok := reg.Get("SERIAL1"); ok && rec.Snapshot().Phase == model.PhaseReady {
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never reached Ready")
		case <-time.After(2 * time.Millisecond):
		}
	}

	cancel()
	time.Sleep(30 * time.Millisecond)

	got := events.snapshot()
	if len(got) < 2 || got[0] != "init:SERIAL1" || got[len(got)-1] != "delete:SERIAL1" {
		t.Fatalf("expected init then eventual delete, got %v", got)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected registry entry removed after cancel, got %d", reg.Len())
	}
}

func TestSupervisorDegradesAndRecovers(t *testing.T) {
	pipeline := &fakePipeline{
		endpoints:     model.Endpoints{AgentURL: "http://127.0.0.1:1"},
		healthResults: []error{nil, fmt.Errorf("probe failed"), nil},
	}
	events := &fakeEvents{}
	sup, reg := newTestSupervisor(pipeline, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		pipeline.mu.Lock()
		calls := pipeline.recoverCalls
		pipeline.mu.Unlock()
		if calls >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("recovery was never attempted")
		case <-time.After(2 * time.Millisecond):
		}
	}

	deadline = time.After(2 * time.Second)
	for {
		if rec, ok := reg.Get("SERIAL1"); ok && rec.Snapshot().Phase == model.PhaseReady {
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never returned to Ready after recovery")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestSupervisorExceedsRecoveryBudgetAndTerminates(t *testing.T) {
	alwaysFail := make([]error, 0, 10)
	for i := 0; i < 10; i++ {
		alwaysFail = append(alwaysFail, fmt.Errorf("still broken"))
	}
	pipeline := &fakePipeline{
		endpoints:     model.Endpoints{AgentURL: "http://127.0.0.1:1"},
		healthResults: append([]error{fmt.Errorf("first failure")}, alwaysFail...),
		recoverResults: alwaysFail,
	}
	events := &fakeEvents{}
	sup, reg := newTestSupervisor(pipeline, events)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sup.Run(ctx)

	got := events.snapshot()
	if len(got) == 0 || got[len(got)-1] != "delete:SERIAL1" {
		t.Fatalf("expected eventual delete event once recovery budget was exceeded, got %v", got)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected registry cleared, got %d", reg.Len())
	}
	if len(pipeline.stopped) == 0 || pipeline.stopped[0] != "helper" {
		t.Fatalf("expected the registered child process to be stopped during teardown, got %v", pipeline.stopped)
	}
}

func TestSupervisorColdRestartReinitializes(t *testing.T) {
	pipeline := &fakePipeline{endpoints: model.Endpoints{AgentURL: "http://127.0.0.1:1"}}
	events := &fakeEvents{}
	sup, reg := newTestSupervisor(pipeline, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	deadline := time.After(time.Second)
	for {
		if rec, ok := reg.Get("SERIAL1"); ok && rec.Snapshot().Phase == model.PhaseReady {
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never reached Ready before cold restart")
		case <-time.After(2 * time.Millisecond):
		}
	}

	sup.TriggerCold()

	deadline = time.After(time.Second)
	for {
		pipeline.mu.Lock()
		calls := pipeline.prepareCalls
		pipeline.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("cold restart never re-ran Prepare")
		case <-time.After(2 * time.Millisecond):
		}
	}

	got := events.snapshot()
	initCount := 0
	for _, e := range got {
		if e == "init:SERIAL1" {
			initCount++
		}
	}
	if initCount < 2 {
		t.Fatalf("expected at least two init events across the cold restart, got %v", got)
	}
}

func TestBudgetExceededRollingWindow(t *testing.T) {
	sup := &Supervisor{}
	var failures []time.Time

	for i := 0; i < maxRecoveryAttempts; i++ {
		if sup.budgetExceeded(&failures) {
			t.Fatalf("budget exceeded too early on failure %d", i+1)
		}
	}
	if !sup.budgetExceeded(&failures) {
		t.Fatal("expected budget exceeded after maxRecoveryAttempts+1 failures within the window")
	}
}

func TestBudgetNotExceededAcrossOldFailures(t *testing.T) {
	sup := &Supervisor{}
	failures := []time.Time{
		time.Now().Add(-time.Hour),
		time.Now().Add(-time.Hour),
		time.Now().Add(-time.Hour),
	}
	if sup.budgetExceeded(&failures) {
		t.Fatal("stale failures outside the rolling window should not count toward the budget")
	}
}
