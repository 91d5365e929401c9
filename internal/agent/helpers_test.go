package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/agent/device"
	"github.com/devrev/bynar/internal/agent/ledger"
	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/util/workerpool"
	"github.com/devrev/bynar/internal/wire"
)

var testThresholds = Thresholds{
	SuspectReallocated: 8,
	FailReallocated:    100,
	SuspectPending:     1,
	MaxTemperatureC:    60,
}

func healthy() model.HealthSummary {
	return model.HealthSummary{SmartPassed: true, Mountable: true, TemperatureC: 35}
}

func failing() model.HealthSummary {
	return model.HealthSummary{SmartPassed: false, Mountable: true, ReallocatedSectors: 212}
}

func suspect() model.HealthSummary {
	return model.HealthSummary{SmartPassed: true, Mountable: true, ReallocatedSectors: 20}
}

type fakeProber struct {
	mu     sync.Mutex
	infos  []device.Info
	health map[string]model.HealthSummary
}

func newFakeProber() *fakeProber {
	return &fakeProber{health: make(map[string]model.HealthSummary)}
}

func (p *fakeProber) set(diskID string, h model.HealthSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.health[diskID]; !ok {
		p.infos = append(p.infos, device.Info{
			DiskID:        diskID,
			DevicePath:    "/dev/" + diskID,
			CapacityBytes: 4_000_000_000_000,
			Role:          model.DiskRoleData,
		})
	}
	p.health[diskID] = h
}

func (p *fakeProber) Enumerate(ctx context.Context) ([]device.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]device.Info(nil), p.infos...), nil
}

func (p *fakeProber) Probe(ctx context.Context, d device.Info) (model.HealthSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[d.DiskID]
	if !ok {
		return model.HealthSummary{}, errors.New("no such device")
	}
	return h, nil
}

type fakeController struct {
	mu      sync.Mutex
	checked []string
	removed []string
	added   []string
	unsafe  bool
	err     error
}

func (c *fakeController) SafeToRemove(ctx context.Context, d device.Info) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checked = append(c.checked, d.DevicePath)
	return !c.unsafe, nil
}

func (c *fakeController) Remove(ctx context.Context, d device.Info) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, d.DevicePath)
	return c.err
}

func (c *fakeController) Add(ctx context.Context, d device.Info) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, d.DevicePath)
	return c.err
}

func (c *fakeController) calls() (removed, added []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...), append([]string(nil), c.added...)
}

// fakeArbiter answers proposals from a script; the last reply repeats
type fakeArbiter struct {
	mu          sync.Mutex
	replies     []*wire.DecisionReply
	proposeErr  error
	rejectStart bool
	// outcomeErr fails every report whose status is failStatus
	outcomeErr error
	failStatus model.OperationStatus
	directives []wire.DiskDirective
	// gate holds Propose open until closed; entered is signalled on arrival
	gate       chan struct{}
	entered    chan struct{}
	proposals  []*wire.ProposeRequest
	cancels    []*wire.CancelRequest
	outcomes   []*wire.OutcomeReport
	heartbeats []*wire.Heartbeat
}

func (a *fakeArbiter) Propose(ctx context.Context, req *wire.ProposeRequest) (*wire.DecisionReply, error) {
	a.mu.Lock()
	a.proposals = append(a.proposals, req)
	gate, entered := a.gate, a.entered
	a.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proposeErr != nil {
		return nil, a.proposeErr
	}
	reply := a.replies[0]
	if len(a.replies) > 1 {
		a.replies = a.replies[1:]
	}
	out := *reply
	if out.CorrelationID == "" {
		out.CorrelationID = req.CorrelationID
	}
	return &out, nil
}

func (a *fakeArbiter) Cancel(ctx context.Context, req *wire.CancelRequest) (*wire.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, req)
	return &wire.Ack{Accepted: true}, nil
}

func (a *fakeArbiter) ReportOutcome(ctx context.Context, req *wire.OutcomeReport) (*wire.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, req)
	if a.outcomeErr != nil && req.Status == a.failStatus {
		return nil, a.outcomeErr
	}
	if a.rejectStart && req.Status == model.OperationInProgress {
		return &wire.Ack{Accepted: false, Reason: "operation is cancelled"}, nil
	}
	return &wire.Ack{Accepted: true}, nil
}

func (a *fakeArbiter) Heartbeat(ctx context.Context, req *wire.Heartbeat) (*wire.HeartbeatReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.heartbeats = append(a.heartbeats, req)
	return &wire.HeartbeatReply{Directives: a.directives}, nil
}

func (a *fakeArbiter) proposalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.proposals)
}

func (a *fakeArbiter) outcomeStatuses() []model.OperationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	statuses := make([]model.OperationStatus, 0, len(a.outcomes))
	for _, o := range a.outcomes {
		statuses = append(statuses, o.Status)
	}
	return statuses
}

func (a *fakeArbiter) cancelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cancels)
}

type agentHarness struct {
	prober     *fakeProber
	arbiter    *fakeArbiter
	controller *fakeController
	ledger     *ledger.Ledger
	monitor    *Monitor
	proposer   *Proposer
	metrics    *metrics.AgentMetrics
}

func newAgentHarness(t *testing.T, cfg ProposerConfig) *agentHarness {
	t.Helper()

	logger := zap.NewNop()
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "probe", MaxWorkers: 2, QueueSize: 16, Logger: logger})
	t.Cleanup(func() { _ = pool.Stop(5 * time.Second) })

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	if cfg.NodeID == "" {
		cfg.NodeID = "node-1"
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 5 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}

	h := &agentHarness{
		prober:     newFakeProber(),
		arbiter:    &fakeArbiter{replies: []*wire.DecisionReply{{Decision: model.DecisionApprove, Status: model.OperationApproved}}},
		controller: &fakeController{},
		ledger:     l,
		metrics:    metrics.NewAgentMetricsWith(prometheus.NewRegistry()),
	}
	h.monitor = NewMonitor(MonitorConfig{
		Interval:          time.Hour,
		ObservationWindow: time.Hour,
		Thresholds:        testThresholds,
	}, h.prober, pool, h.metrics, logger)
	h.proposer = NewProposer(cfg, h.arbiter, h.controller, l, h.monitor, h.metrics, logger)

	t.Cleanup(func() {
		h.proposer.stopTimers()
		h.proposer.Wait()
	})
	return h
}

// scan runs one monitor pass and hands every emitted event to the proposer
func (h *agentHarness) scan(t *testing.T) []Event {
	t.Helper()
	h.monitor.Scan(context.Background())

	var events []Event
	for {
		select {
		case ev := <-h.monitor.Events():
			events = append(events, ev)
			h.proposer.HandleEvent(ev)
		default:
			return events
		}
	}
}

func (h *agentHarness) state(diskID string) model.DiskState {
	s, _ := h.monitor.State(diskID)
	return s
}
