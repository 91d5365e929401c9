package device

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/model"
)

// SMART attribute ids read from ATA devices
const (
	attrReallocatedSectors = 5
	attrPendingSectors     = 197
)

// smartctl exit status bits
const (
	smartExitOpenFailed = 1 << 1
)

// smartReport is the subset of `smartctl --json -a` output the prober reads
type smartReport struct {
	Smartctl struct {
		ExitStatus int `json:"exit_status"`
	} `json:"smartctl"`
	SerialNumber string `json:"serial_number"`
	UserCapacity struct {
		Bytes uint64 `json:"bytes"`
	} `json:"user_capacity"`
	SmartStatus struct {
		Passed bool `json:"passed"`
	} `json:"smart_status"`
	Temperature struct {
		Current int32 `json:"current"`
	} `json:"temperature"`
	ATASmartAttributes struct {
		Table []struct {
			ID  int `json:"id"`
			Raw struct {
				Value int64 `json:"value"`
			} `json:"raw"`
		} `json:"table"`
	} `json:"ata_smart_attributes"`
	NVMeHealth *struct {
		MediaErrors int64 `json:"media_errors"`
	} `json:"nvme_smart_health_information_log"`
}

// PartitionLister lists mounted partitions
type PartitionLister func(ctx context.Context) ([]disk.PartitionStat, error)

// SmartProber samples disk health with smartctl and checks mounted
// filesystems with gopsutil
type SmartProber struct {
	smartctl   string
	devices    []string
	journals   map[string]bool
	runner     Runner
	partitions PartitionLister
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
	logger     *zap.Logger
	now        func() time.Time
}

// NewSmartProber creates a prober. When devices is empty, disks are
// discovered from mounted partitions.
func NewSmartProber(smartctl string, devices, journals []string, runner Runner, logger *zap.Logger) *SmartProber {
	j := make(map[string]bool, len(journals))
	for _, d := range journals {
		j[d] = true
	}
	return &SmartProber{
		smartctl: smartctl,
		devices:  devices,
		journals: j,
		runner:   runner,
		partitions: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, false)
		},
		usage:  disk.UsageWithContext,
		logger: logger,
		now:    time.Now,
	}
}

// Enumerate implements Prober
func (p *SmartProber) Enumerate(ctx context.Context) ([]Info, error) {
	devices := p.devices
	if len(devices) == 0 {
		parts, err := p.partitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list partitions: %w", err)
		}
		devices = baseDevices(parts)
	}

	infos := make([]Info, 0, len(devices))
	for _, dev := range devices {
		report, err := p.smart(ctx, dev)
		if err != nil {
			p.logger.Warn("Failed to identify device",
				zap.String("device", dev),
				zap.Error(err))
			report = &smartReport{}
		}

		info := Info{
			DiskID:        report.SerialNumber,
			DevicePath:    dev,
			CapacityBytes: report.UserCapacity.Bytes,
			Role:          model.DiskRoleData,
		}
		if info.DiskID == "" {
			info.DiskID = filepath.Base(dev)
		}
		if p.journals[dev] {
			info.Role = model.DiskRoleJournal
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Probe implements Prober
func (p *SmartProber) Probe(ctx context.Context, d Info) (model.HealthSummary, error) {
	report, err := p.smart(ctx, d.DevicePath)
	if err != nil {
		return model.HealthSummary{}, err
	}

	h := model.HealthSummary{
		SmartPassed:  report.SmartStatus.Passed,
		Mountable:    report.Smartctl.ExitStatus&smartExitOpenFailed == 0,
		TemperatureC: report.Temperature.Current,
		SampledAt:    p.now(),
	}
	for _, attr := range report.ATASmartAttributes.Table {
		switch attr.ID {
		case attrReallocatedSectors:
			h.ReallocatedSectors = attr.Raw.Value
		case attrPendingSectors:
			h.PendingSectors = attr.Raw.Value
		}
	}
	if report.NVMeHealth != nil {
		h.MediaErrors = report.NVMeHealth.MediaErrors
	}

	if h.Mountable {
		h.Mountable = p.filesystemsReadable(ctx, d.DevicePath)
	}
	return h, nil
}

// filesystemsReadable reports whether every filesystem mounted from the
// device can still be stat'ed. A device with no mounted filesystem counts as
// readable.
func (p *SmartProber) filesystemsReadable(ctx context.Context, dev string) bool {
	parts, err := p.partitions(ctx)
	if err != nil {
		p.logger.Debug("Failed to list partitions", zap.Error(err))
		return true
	}
	for _, part := range parts {
		if !strings.HasPrefix(part.Device, dev) {
			continue
		}
		if _, err := p.usage(ctx, part.Mountpoint); err != nil {
			p.logger.Warn("Mounted filesystem unreadable",
				zap.String("device", part.Device),
				zap.String("mountpoint", part.Mountpoint),
				zap.Error(err))
			return false
		}
	}
	return true
}

func (p *SmartProber) smart(ctx context.Context, dev string) (*smartReport, error) {
	// smartctl sets exit status bits for failing disks while still printing
	// a complete report, so the output is parsed even when the command fails.
	out, runErr := p.runner.Run(ctx, p.smartctl, "--json", "-a", dev)

	var report smartReport
	if err := json.Unmarshal(out, &report); err != nil {
		if runErr != nil {
			return nil, runErr
		}
		return nil, fmt.Errorf("failed to parse smartctl output for %s: %w", dev, err)
	}
	return &report, nil
}

// baseDevices maps partitions such as /dev/sda1 or /dev/nvme0n1p2 to their
// whole-disk device
func baseDevices(parts []disk.PartitionStat) []string {
	seen := make(map[string]bool)
	for _, part := range parts {
		if !strings.HasPrefix(part.Device, "/dev/sd") && !strings.HasPrefix(part.Device, "/dev/nvme") {
			continue
		}
		seen[wholeDisk(part.Device)] = true
	}

	devices := make([]string, 0, len(seen))
	for d := range seen {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices
}

func wholeDisk(dev string) string {
	if strings.HasPrefix(dev, "/dev/nvme") {
		if i := strings.LastIndex(dev, "p"); i > len("/dev/nvme") {
			return dev[:i]
		}
		return dev
	}
	return strings.TrimRight(dev, "0123456789")
}
