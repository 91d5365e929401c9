package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/agent/device"
	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/util/workerpool"
	"github.com/devrev/bynar/internal/wire"
)

// Event is a local disk state change detected by the monitor
type Event struct {
	Disk   device.Info
	From   model.DiskState
	To     model.DiskState
	Health model.HealthSummary
	Reason string
}

type diskRecord struct {
	info         device.Info
	state        model.DiskState
	health       model.HealthSummary
	suspectSince time.Time
	// signalled is set once a healthy probe of a disk the monitor does not
	// own was delivered; it is cleared when the state changes
	signalled bool
	// rearmed asks for the current failure to be delivered again
	rearmed bool
}

// MonitorConfig configures a Monitor
type MonitorConfig struct {
	Interval          time.Duration
	ObservationWindow time.Duration
	Thresholds        Thresholds
	EventBuffer       int
}

// Monitor samples local disks on a ticker and emits state changes. It never
// calls the network: events go to a buffered channel with a non-blocking
// send, and an event that cannot be delivered is detected again on the next
// scan because the recorded state is only advanced after delivery.
type Monitor struct {
	prober     device.Prober
	pool       *workerpool.WorkerPool
	interval   time.Duration
	window     time.Duration
	thresholds Thresholds
	events     chan Event
	metrics    *metrics.AgentMetrics
	logger     *zap.Logger

	mu    sync.Mutex
	disks map[string]*diskRecord
	now   func() time.Time
}

// NewMonitor creates a monitor whose probes run on pool
func NewMonitor(cfg MonitorConfig, prober device.Prober, pool *workerpool.WorkerPool, m *metrics.AgentMetrics, logger *zap.Logger) *Monitor {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &Monitor{
		prober:     prober,
		pool:       pool,
		interval:   cfg.Interval,
		window:     cfg.ObservationWindow,
		thresholds: cfg.Thresholds,
		events:     make(chan Event, cfg.EventBuffer),
		metrics:    m,
		logger:     logger,
		disks:      make(map[string]*diskRecord),
		now:        time.Now,
	}
}

// Events returns the channel state changes are delivered on
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Run scans immediately and then on every tick until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan probes every local disk once
func (m *Monitor) Scan(ctx context.Context) {
	start := m.now()
	infos, err := m.prober.Enumerate(ctx)
	if err != nil {
		m.logger.Error("Failed to enumerate disks", zap.Error(err))
		m.recordScan("enumerate_error")
		return
	}

	var wg sync.WaitGroup
	for _, info := range infos {
		info := info
		wg.Add(1)
		err := m.pool.SubmitWithContext(ctx, workerpool.Task{
			ID:      "probe-" + info.DiskID,
			Key:     info.DiskID,
			Context: ctx,
			Fn: func(ctx context.Context) error {
				defer wg.Done()
				m.probe(ctx, info)
				return nil
			},
		})
		if err != nil {
			wg.Done()
			m.logger.Warn("Failed to schedule probe",
				zap.String("disk_id", info.DiskID),
				zap.Error(err))
		}
	}
	wg.Wait()

	if m.metrics != nil {
		m.metrics.ScanDuration.Observe(m.now().Sub(start).Seconds())
	}
}

func (m *Monitor) probe(ctx context.Context, info device.Info) {
	health, err := m.prober.Probe(ctx, info)
	if err != nil {
		m.logger.Warn("Failed to probe disk",
			zap.String("disk_id", info.DiskID),
			zap.String("device", info.DevicePath),
			zap.Error(err))
		m.recordScan("error")
		return
	}
	m.recordScan("ok")

	classified, reason := Classify(health, m.thresholds)
	m.observe(info, health, classified, reason)
}

// observe applies one classified sample to the disk's record
func (m *Monitor) observe(info device.Info, health model.HealthSummary, classified model.DiskState, reason string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.disks[info.DiskID]
	if !ok {
		rec = &diskRecord{state: model.DiskStateHealthy}
		m.disks[info.DiskID] = rec
	}
	rec.info = info
	rec.health = health

	if rec.rearmed && classified != model.DiskStateHealthy &&
		(rec.state == model.DiskStateFailed || rec.state == model.DiskStatePendingRemoval) {
		if m.emit(Event{Disk: info, From: rec.state, To: model.DiskStateFailed, Health: health, Reason: "still failing: " + reason}) {
			rec.rearmed = false
		}
		return
	}
	rec.rearmed = false

	// A replacing disk that probes healthy is ready to be added back. A disk
	// awaiting removal that probes healthy lets the proposer withdraw an
	// undecided request.
	if rec.state == model.DiskStateReplacing || rec.state == model.DiskStatePendingRemoval {
		if classified == model.DiskStateHealthy && !rec.signalled {
			rec.signalled = m.emit(Event{Disk: info, From: rec.state, To: model.DiskStateHealthy, Health: health})
		}
		return
	}
	if !rec.state.IsMonitorOwned() {
		return
	}

	next := classified
	if classified == model.DiskStateSuspect {
		if rec.suspectSince.IsZero() {
			rec.suspectSince = now
		}
		if m.window > 0 && now.Sub(rec.suspectSince) >= m.window {
			next = model.DiskStateFailed
			reason = "suspect for longer than the observation window: " + reason
		}
	} else {
		rec.suspectSince = time.Time{}
	}

	if next == rec.state || !rec.state.CanTransitionTo(next) {
		return
	}

	if m.emit(Event{Disk: info, From: rec.state, To: next, Health: health, Reason: reason}) {
		m.logger.Info("Disk state changed",
			zap.String("disk_id", info.DiskID),
			zap.String("device", info.DevicePath),
			zap.String("from", string(rec.state)),
			zap.String("to", string(next)),
			zap.String("reason", reason))
		rec.state = next
	}
}

// emit delivers ev without blocking
func (m *Monitor) emit(ev Event) bool {
	select {
	case m.events <- ev:
		if m.metrics != nil {
			m.metrics.RecordStateEvent(string(ev.To))
		}
		return true
	default:
		if m.metrics != nil {
			m.metrics.DroppedEvents.Inc()
		}
		m.logger.Warn("Event channel full, retrying on next scan",
			zap.String("disk_id", ev.Disk.DiskID),
			zap.String("to", string(ev.To)))
		return false
	}
}

// Rearm makes the next scan report the disk again if it is still failing or
// still awaiting an add. The proposer calls it after giving up on a request.
func (m *Monitor) Rearm(diskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.disks[diskID]
	if !ok {
		return
	}
	rec.rearmed = true
	rec.signalled = false
}

// SetState adopts a state decided elsewhere: by the proposer after a device
// action or by the arbiter through a heartbeat directive
func (m *Monitor) SetState(diskID string, state model.DiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.disks[diskID]
	if !ok || rec.state == state {
		return
	}
	rec.signalled = false
	rec.rearmed = false
	rec.suspectSince = time.Time{}
	rec.state = state
}

// State returns the recorded state of a disk
func (m *Monitor) State(diskID string) (model.DiskState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.disks[diskID]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// Disk returns what the monitor knows about a disk
func (m *Monitor) Disk(diskID string) (device.Info, model.HealthSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.disks[diskID]
	if !ok {
		return device.Info{}, model.HealthSummary{}, false
	}
	return rec.info, rec.health, true
}

// Reports returns the heartbeat view of every known disk, ordered by id
func (m *Monitor) Reports() []wire.DiskReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	reports := make([]wire.DiskReport, 0, len(m.disks))
	for id, rec := range m.disks {
		reports = append(reports, wire.DiskReport{
			DiskID:        id,
			DevicePath:    rec.info.DevicePath,
			State:         rec.state,
			Health:        rec.health,
			CapacityBytes: rec.info.CapacityBytes,
			Role:          rec.info.Role,
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].DiskID < reports[j].DiskID })
	return reports
}

func (m *Monitor) recordScan(result string) {
	if m.metrics != nil {
		m.metrics.RecordScan(result)
	}
}
