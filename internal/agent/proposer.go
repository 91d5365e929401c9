package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/agent/device"
	"github.com/devrev/bynar/internal/agent/ledger"
	"github.com/devrev/bynar/internal/client"
	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/wire"
)

// Arbiter is the subset of the arbiter client the proposer calls
type Arbiter interface {
	Propose(ctx context.Context, req *wire.ProposeRequest) (*wire.DecisionReply, error)
	Cancel(ctx context.Context, req *wire.CancelRequest) (*wire.Ack, error)
	ReportOutcome(ctx context.Context, req *wire.OutcomeReport) (*wire.Ack, error)
	Heartbeat(ctx context.Context, req *wire.Heartbeat) (*wire.HeartbeatReply, error)
}

// ProposerConfig configures a Proposer
type ProposerConfig struct {
	NodeID            string
	Hostname          string
	ReplaceInPlace    bool
	RetryBackoff      time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
}

// outstanding is a request the arbiter has not answered terminally
type outstanding struct {
	entry *ledger.Entry
	timer *time.Timer
	// busy is set while a request or device action for the entry is running
	busy bool
	// deliveries counts failed attempts to report a settled outcome
	deliveries int
}

// Proposer turns monitor events into arbiter requests and carries approved
// operations out on the device. Events are consumed by a single loop; every
// network request runs on its own goroutine so a slow arbiter never stalls
// the loop.
type Proposer struct {
	cfg        ProposerConfig
	arbiter    Arbiter
	controller device.Controller
	ledger     *ledger.Ledger
	monitor    *Monitor
	metrics    *metrics.AgentMetrics
	logger     *zap.Logger

	mu  sync.Mutex
	ops map[string]*outstanding

	ctx context.Context
	wg  sync.WaitGroup

	newID func() string
}

// NewProposer creates a proposer fed by monitor's events
func NewProposer(cfg ProposerConfig, arbiter Arbiter, controller device.Controller, l *ledger.Ledger, monitor *Monitor, m *metrics.AgentMetrics, logger *zap.Logger) *Proposer {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Proposer{
		cfg:        cfg,
		arbiter:    arbiter,
		controller: controller,
		ledger:     l,
		monitor:    monitor,
		metrics:    m,
		logger:     logger,
		ops:        make(map[string]*outstanding),
		ctx:        context.Background(),
		newID:      uuid.NewString,
	}
}

// Run resumes requests recorded in the ledger and then handles events and
// heartbeats until ctx is done. It waits for in-flight requests before
// returning.
func (p *Proposer) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	if err := p.Resume(); err != nil {
		return err
	}

	var heartbeat <-chan time.Time
	if p.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	events := p.monitor.Events()
	for {
		select {
		case <-ctx.Done():
			p.stopTimers()
			p.wg.Wait()
			return nil
		case ev := <-events:
			p.HandleEvent(ev)
		case <-heartbeat:
			p.goAsync(func(ctx context.Context) {
				p.Heartbeat(ctx, nil)
			})
		}
	}
}

// Resume re-sends every request found in the ledger with its recorded
// correlation id. Entries holding an unreported outcome only report it.
func (p *Proposer) Resume() error {
	entries, err := p.ledger.List()
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	for _, e := range entries {
		p.logger.Info("Resuming outstanding request",
			zap.String("disk_id", e.DiskID),
			zap.String("correlation_id", e.CorrelationID),
			zap.String("kind", string(e.Kind)),
			zap.Bool("approved", e.Approved),
			zap.String("outcome", string(e.Outcome)))

		p.mu.Lock()
		op := &outstanding{entry: e, busy: true}
		p.ops[e.DiskID] = op
		p.mu.Unlock()

		p.goAsync(func(ctx context.Context) {
			p.attempt(ctx, op)
		})
	}
	p.updateOutstanding()
	return nil
}

// HandleEvent reacts to one monitor event
func (p *Proposer) HandleEvent(ev Event) {
	switch {
	case ev.To == model.DiskStateFailed:
		kind := model.OperationRemove
		if p.cfg.ReplaceInPlace {
			kind = model.OperationReplace
		}
		p.start(ev.Disk.DiskID, kind)

	case ev.From == model.DiskStateReplacing && ev.To == model.DiskStateHealthy:
		p.start(ev.Disk.DiskID, model.OperationAdd)

	case ev.To == model.DiskStateHealthy:
		p.withdraw(ev.Disk.DiskID, "disk recovered: "+string(ev.From)+" -> healthy")
	}
}

// start opens a request for a disk unless one is already outstanding
func (p *Proposer) start(diskID string, kind model.OperationKind) {
	p.mu.Lock()
	if existing, ok := p.ops[diskID]; ok {
		p.mu.Unlock()
		p.logger.Debug("Request already outstanding",
			zap.String("disk_id", diskID),
			zap.String("correlation_id", existing.entry.CorrelationID))
		return
	}
	op := &outstanding{
		entry: &ledger.Entry{
			CorrelationID: p.newID(),
			DiskID:        diskID,
			Kind:          kind,
			CreatedAt:     time.Now(),
		},
		busy: true,
	}
	p.ops[diskID] = op
	p.mu.Unlock()

	if err := p.ledger.Put(op.entry); err != nil {
		p.logger.Error("Failed to record request in ledger",
			zap.String("disk_id", diskID),
			zap.Error(err))
	}
	p.updateOutstanding()

	p.goAsync(func(ctx context.Context) {
		p.propose(ctx, op)
	})
}

// withdraw cancels an undecided request for a disk that recovered
func (p *Proposer) withdraw(diskID, reason string) {
	p.mu.Lock()
	op, ok := p.ops[diskID]
	if !ok || op.entry.Approved {
		p.mu.Unlock()
		return
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	delete(p.ops, diskID)
	entry := op.entry
	p.mu.Unlock()

	p.forget(entry)

	p.goAsync(func(ctx context.Context) {
		ack, err := p.arbiter.Cancel(ctx, &wire.CancelRequest{
			CorrelationID: entry.CorrelationID,
			DiskID:        diskID,
			Reason:        reason,
		})
		if err != nil {
			p.logger.Warn("Failed to cancel request",
				zap.String("disk_id", diskID),
				zap.String("correlation_id", entry.CorrelationID),
				zap.Error(err))
			return
		}
		p.logger.Info("Cancelled request",
			zap.String("disk_id", diskID),
			zap.String("correlation_id", entry.CorrelationID),
			zap.Bool("accepted", ack.Accepted),
			zap.String("reason", ack.Reason))

		// The arbiter returns a disk awaiting removal to failed on cancel;
		// the next scan then reports the recovery.
		if state, _ := p.monitor.State(diskID); ack.Accepted && state == model.DiskStatePendingRemoval {
			p.monitor.SetState(diskID, model.DiskStateFailed)
		}
	})
}

// attempt runs the next step of op: reporting a settled outcome, or asking
// the arbiter again
func (p *Proposer) attempt(ctx context.Context, op *outstanding) {
	p.mu.Lock()
	settled := op.entry.Settled()
	p.mu.Unlock()

	if settled {
		p.deliver(ctx, op)
		return
	}
	p.propose(ctx, op)
}

// propose sends one attempt of op's request and acts on the reply
func (p *Proposer) propose(ctx context.Context, op *outstanding) {
	entry := op.entry

	// The arbiter judges the disk by its recorded state, so report local
	// state before asking.
	p.Heartbeat(ctx, []string{entry.DiskID})

	if !p.stillWanted(entry) {
		p.logger.Info("Request no longer applies, dropping",
			zap.String("disk_id", entry.DiskID),
			zap.String("kind", string(entry.Kind)))
		p.finish(op)
		return
	}

	_, health, _ := p.monitor.Disk(entry.DiskID)
	p.mu.Lock()
	entry.Attempts++
	p.mu.Unlock()
	p.record(entry)

	reply, err := p.arbiter.Propose(ctx, &wire.ProposeRequest{
		CorrelationID: entry.CorrelationID,
		DiskID:        entry.DiskID,
		NodeID:        p.cfg.NodeID,
		Kind:          entry.Kind,
		Health:        health,
	})
	if err != nil {
		if ctx.Err() != nil {
			p.idle(op)
			return
		}
		if !apperrors.IsRetryable(err) {
			p.exhaust(op, err.Error(), false)
			return
		}
		p.retry(op, 0, "transport", err.Error())
		return
	}

	p.recordProposal(entry.Kind, reply.Decision)
	if reply.CorrelationID != "" && reply.CorrelationID != entry.CorrelationID {
		p.logger.Info("Adopting correlation id of active operation",
			zap.String("disk_id", entry.DiskID),
			zap.String("sent", entry.CorrelationID),
			zap.String("active", reply.CorrelationID))
		p.mu.Lock()
		entry.CorrelationID = reply.CorrelationID
		p.mu.Unlock()
		p.record(entry)
	}

	switch reply.Decision {
	case model.DecisionApprove:
		p.execute(ctx, op, reply)
	case model.DecisionDeny:
		if !p.isCurrent(op) {
			return
		}
		p.logger.Warn("Request denied",
			zap.String("disk_id", entry.DiskID),
			zap.String("kind", string(entry.Kind)),
			zap.String("reason", reply.Reason))
		p.monitor.SetState(entry.DiskID, model.DiskStateError)
		p.finish(op)
	default:
		delay := time.Duration(reply.RetryAfterSeconds) * time.Second
		p.retry(op, delay, "deferred", reply.Reason)
	}
}

// execute carries out an approved operation and reports its outcome
func (p *Proposer) execute(ctx context.Context, op *outstanding, reply *wire.DecisionReply) {
	entry := op.entry

	if reply.Status == model.OperationCompleted {
		p.logger.Info("Operation already completed",
			zap.String("disk_id", entry.DiskID),
			zap.String("correlation_id", entry.CorrelationID))
		p.monitor.SetState(entry.DiskID, completedState(entry.Kind))
		p.finish(op)
		return
	}

	// Taking the request on and checking it was not withdrawn happen under
	// one lock, so a recovery either cancels it or finds it approved.
	p.mu.Lock()
	if p.ops[entry.DiskID] != op {
		p.mu.Unlock()
		p.logger.Info("Request withdrawn before the device action, skipping",
			zap.String("disk_id", entry.DiskID),
			zap.String("correlation_id", entry.CorrelationID))
		return
	}
	entry.Approved = true
	started := entry.Started
	p.mu.Unlock()
	p.record(entry)

	if reply.Status == model.OperationInProgress {
		if started {
			// The action started before a restart and its result is unknown.
			p.settle(ctx, op, model.OperationFailed, "agent restarted during device action")
			return
		}
		// The start was recorded but the device was never touched.
	} else {
		// The device is only touched once the arbiter has recorded the
		// start; a request cancelled in the meantime is refused here.
		accepted, err := p.reportOutcome(ctx, entry, model.OperationInProgress, "")
		if err != nil {
			switch {
			case ctx.Err() != nil:
				p.idle(op)
			case apperrors.IsRetryable(err):
				p.retry(op, 0, "transport", err.Error())
			default:
				p.exhaust(op, err.Error(), false)
			}
			return
		}
		if !accepted {
			p.finish(op)
			return
		}
	}

	p.mu.Lock()
	entry.Started = true
	p.mu.Unlock()
	p.record(entry)

	info, _, _ := p.monitor.Disk(entry.DiskID)
	action := "remove"
	var err error
	if entry.Kind == model.OperationAdd {
		action = "add"
		err = p.controller.Add(ctx, info)
	} else {
		err = p.removeSafely(ctx, info)
	}

	if err != nil {
		p.logger.Error("Device action failed",
			zap.String("disk_id", entry.DiskID),
			zap.String("device", info.DevicePath),
			zap.String("action", action),
			zap.Error(err))
		p.recordDeviceAction(action, "failed")
		p.settle(ctx, op, model.OperationFailed, err.Error())
		return
	}

	p.logger.Info("Device action completed",
		zap.String("disk_id", entry.DiskID),
		zap.String("device", info.DevicePath),
		zap.String("action", action))
	p.recordDeviceAction(action, "completed")
	p.settle(ctx, op, model.OperationCompleted, "")
}

// removeSafely removes the disk after the storage cluster confirms it can
// spare it
func (p *Proposer) removeSafely(ctx context.Context, info device.Info) error {
	safe, err := p.controller.SafeToRemove(ctx, info)
	if err != nil {
		return err
	}
	if !safe {
		return fmt.Errorf("%s is not safe to remove: placement groups would become unavailable", info.DevicePath)
	}
	return p.controller.Remove(ctx, info)
}

// settle records the result of a finished device action, adopts the local
// state it implies and reports it. The ledger keeps the result until the
// arbiter has answered the report.
func (p *Proposer) settle(ctx context.Context, op *outstanding, status model.OperationStatus, detail string) {
	p.mu.Lock()
	op.entry.Outcome = status
	op.entry.OutcomeDetail = detail
	local := settledState(op.entry)
	p.mu.Unlock()
	p.record(op.entry)

	p.monitor.SetState(op.entry.DiskID, local)
	p.deliver(ctx, op)
}

// deliver reports op's settled outcome, retrying on its timer while the
// arbiter is unreachable. There is no retry budget: the arbiter's operation
// stays in progress until this report lands.
func (p *Proposer) deliver(ctx context.Context, op *outstanding) {
	p.mu.Lock()
	entry := *op.entry
	p.mu.Unlock()

	accepted, err := p.reportOutcome(ctx, &entry, entry.Outcome, entry.OutcomeDetail)
	if err != nil {
		if ctx.Err() != nil {
			p.idle(op)
			return
		}
		if apperrors.IsRetryable(err) {
			p.redeliver(op, err.Error())
			return
		}
	}
	if accepted {
		// After a restart the monitor starts from a fresh scan.
		p.monitor.SetState(entry.DiskID, settledState(&entry))
	}
	p.finish(op)
}

// redeliver schedules another outcome report
func (p *Proposer) redeliver(op *outstanding, detail string) {
	p.mu.Lock()
	op.deliveries++
	delay := client.BackoffDelay(p.cfg.RetryBackoff, p.cfg.MaxBackoff, op.deliveries)
	p.mu.Unlock()

	p.logger.Warn("Outcome not delivered, retrying",
		zap.String("disk_id", op.entry.DiskID),
		zap.String("correlation_id", op.entry.CorrelationID),
		zap.String("outcome", string(op.entry.Outcome)),
		zap.String("reason", detail),
		zap.Duration("delay", delay))
	if p.metrics != nil {
		p.metrics.RecordRetry("outcome")
	}
	p.schedule(op, delay)
}

// reportOutcome sends an outcome and reports whether the arbiter accepted it
func (p *Proposer) reportOutcome(ctx context.Context, entry *ledger.Entry, status model.OperationStatus, detail string) (bool, error) {
	ack, err := p.arbiter.ReportOutcome(ctx, &wire.OutcomeReport{
		CorrelationID: entry.CorrelationID,
		DiskID:        entry.DiskID,
		Status:        status,
		Detail:        detail,
	})
	if err != nil {
		p.logger.Error("Failed to report outcome",
			zap.String("disk_id", entry.DiskID),
			zap.String("correlation_id", entry.CorrelationID),
			zap.String("status", string(status)),
			zap.Error(err))
		return false, err
	}
	if !ack.Accepted {
		p.logger.Warn("Outcome not accepted",
			zap.String("disk_id", entry.DiskID),
			zap.String("status", string(status)),
			zap.String("reason", ack.Reason))
	}
	return ack.Accepted, nil
}

// retry schedules the next attempt or gives up when the budget is spent.
// The wait is the longer of the arbiter's hint and the local backoff.
func (p *Proposer) retry(op *outstanding, hint time.Duration, reason, detail string) {
	p.mu.Lock()
	attempts := op.entry.Attempts
	p.mu.Unlock()

	if attempts >= p.cfg.MaxRetries {
		p.exhaust(op, detail, true)
		return
	}

	delay := client.BackoffDelay(p.cfg.RetryBackoff, p.cfg.MaxBackoff, attempts)
	if hint > delay {
		delay = hint
	}

	p.logger.Info("Request not decided, retrying",
		zap.String("disk_id", op.entry.DiskID),
		zap.String("correlation_id", op.entry.CorrelationID),
		zap.String("reason", detail),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
	if p.metrics != nil {
		p.metrics.RecordRetry(reason)
	}
	p.schedule(op, delay)
}

// schedule arms op's timer for its next attempt
func (p *Proposer) schedule(op *outstanding, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ops[op.entry.DiskID] != op {
		return
	}
	op.busy = false
	op.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.ops[op.entry.DiskID] != op || op.busy || p.ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		op.busy = true
		p.mu.Unlock()
		p.goAsync(func(ctx context.Context) {
			p.attempt(ctx, op)
		})
	})
}

// exhaust marks an operation failed locally and surfaces it to the
// operator. With rearm, the next scan that still finds the disk failing
// starts a fresh request; the arbiter folds it into its active operation.
func (p *Proposer) exhaust(op *outstanding, detail string, rearm bool) {
	p.logger.Error("Giving up on request, operator attention required",
		zap.String("disk_id", op.entry.DiskID),
		zap.String("correlation_id", op.entry.CorrelationID),
		zap.String("kind", string(op.entry.Kind)),
		zap.Int("attempts", op.entry.Attempts),
		zap.String("last_error", detail))
	if p.metrics != nil {
		p.metrics.RecordExhausted(string(op.entry.Kind))
	}
	if p.finish(op) && rearm {
		p.monitor.Rearm(op.entry.DiskID)
	}
}

// stillWanted reports whether the disk's local state still calls for the
// request; the state may have been reconciled by a heartbeat directive
func (p *Proposer) stillWanted(entry *ledger.Entry) bool {
	state, ok := p.monitor.State(entry.DiskID)
	if !ok {
		// Not scanned yet after a restart.
		return true
	}
	switch entry.Kind {
	case model.OperationAdd:
		return state == model.DiskStateReplacing
	default:
		return state == model.DiskStateFailed || state == model.DiskStatePendingRemoval
	}
}

// finish forgets a request that reached a terminal answer. It reports
// whether op was still the disk's current request.
func (p *Proposer) finish(op *outstanding) bool {
	p.mu.Lock()
	if op.timer != nil {
		op.timer.Stop()
	}
	current := p.ops[op.entry.DiskID] == op
	if current {
		delete(p.ops, op.entry.DiskID)
	}
	p.mu.Unlock()

	// A withdrawn request was already forgotten, and the disk may have a
	// newer one by now.
	if current {
		p.forget(op.entry)
	}
	return current
}

func (p *Proposer) isCurrent(op *outstanding) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ops[op.entry.DiskID] == op
}

// idle releases op after an attempt abandoned by shutdown; the ledger keeps
// it for the next start
func (p *Proposer) idle(op *outstanding) {
	p.mu.Lock()
	op.busy = false
	p.mu.Unlock()
}

// Heartbeat reports local disks and applies the arbiter's directives. With
// a non-empty only, just those disks are reported.
func (p *Proposer) Heartbeat(ctx context.Context, only []string) {
	reports := p.monitor.Reports()
	if len(only) > 0 {
		wanted := make(map[string]bool, len(only))
		for _, id := range only {
			wanted[id] = true
		}
		filtered := reports[:0]
		for _, r := range reports {
			if wanted[r.DiskID] {
				filtered = append(filtered, r)
			}
		}
		reports = filtered
	}

	reply, err := p.arbiter.Heartbeat(ctx, &wire.Heartbeat{
		NodeID:   p.cfg.NodeID,
		Hostname: p.cfg.Hostname,
		Disks:    reports,
	})
	if err != nil {
		p.logger.Warn("Heartbeat failed", zap.Error(err))
		return
	}

	for _, d := range reply.Directives {
		if p.settled(d.DiskID) {
			// The arbiter catches up once the outcome is delivered.
			continue
		}
		before, _ := p.monitor.State(d.DiskID)
		if before == d.State {
			continue
		}
		p.logger.Info("Reconciling disk state",
			zap.String("disk_id", d.DiskID),
			zap.String("local", string(before)),
			zap.String("arbiter", string(d.State)))
		p.monitor.SetState(d.DiskID, d.State)
	}
}

func (p *Proposer) settled(diskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[diskID]
	return ok && op.entry.Settled()
}

// Outstanding returns the correlation ids of open requests keyed by disk
func (p *Proposer) Outstanding() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.ops))
	for id, op := range p.ops {
		out[id] = op.entry.CorrelationID
	}
	return out
}

// Wait blocks until every in-flight request has returned
func (p *Proposer) Wait() {
	p.wg.Wait()
}

func (p *Proposer) goAsync(fn func(ctx context.Context)) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(ctx)
	}()
}

func (p *Proposer) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range p.ops {
		if op.timer != nil {
			op.timer.Stop()
		}
	}
}

func (p *Proposer) record(entry *ledger.Entry) {
	p.mu.Lock()
	snapshot := *entry
	p.mu.Unlock()
	if err := p.ledger.Put(&snapshot); err != nil {
		p.logger.Error("Failed to update ledger",
			zap.String("disk_id", entry.DiskID),
			zap.Error(err))
	}
}

func (p *Proposer) forget(entry *ledger.Entry) {
	if err := p.ledger.Delete(entry.DiskID); err != nil {
		p.logger.Error("Failed to delete ledger entry",
			zap.String("disk_id", entry.DiskID),
			zap.Error(err))
	}
	p.updateOutstanding()
}

func (p *Proposer) updateOutstanding() {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	n := len(p.ops)
	p.mu.Unlock()
	p.metrics.OutstandingOps.Set(float64(n))
}

func (p *Proposer) recordProposal(kind model.OperationKind, decision model.Decision) {
	if p.metrics != nil {
		p.metrics.RecordProposal(string(kind), string(decision))
	}
}

func (p *Proposer) recordDeviceAction(action, result string) {
	if p.metrics != nil {
		p.metrics.RecordDeviceAction(action, result)
	}
}

// settledState is the local state implied by a settled outcome
func settledState(entry *ledger.Entry) model.DiskState {
	if entry.Outcome == model.OperationCompleted {
		return completedState(entry.Kind)
	}
	return model.DiskStateError
}

// completedState is the local state after a successful device action
func completedState(kind model.OperationKind) model.DiskState {
	switch kind {
	case model.OperationAdd:
		return model.DiskStateHealthy
	case model.OperationReplace:
		return model.DiskStateReplacing
	default:
		return model.DiskStateRemoved
	}
}
