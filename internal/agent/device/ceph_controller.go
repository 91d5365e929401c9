package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// CephController removes and adds OSDs with the ceph and ceph-volume CLIs.
// In simulate mode every command is logged and skipped.
type CephController struct {
	ceph       string
	cephVolume string
	hostname   string
	simulate   bool
	runner     Runner
	logger     *zap.Logger
}

// NewCephController creates a controller
func NewCephController(ceph, hostname string, simulate bool, runner Runner, logger *zap.Logger) *CephController {
	return &CephController{
		ceph:       ceph,
		cephVolume: "ceph-volume",
		hostname:   hostname,
		simulate:   simulate,
		runner:     runner,
		logger:     logger,
	}
}

// CrushWeight is the CRUSH weight given to a new OSD: capacity in GB x 0.001
func CrushWeight(capacityBytes uint64) float64 {
	gb := capacityBytes / 1_000_000_000
	return float64(gb) * 0.001
}

// okToStop is the JSON form of `ceph osd ok-to-stop`
type okToStop struct {
	OK       *bool `json:"ok_to_stop"`
	NotOKPGs int   `json:"num_not_ok_pgs"`
}

// SafeToRemove asks the cluster whether stopping the disk's OSD leaves every
// placement group available. The command exits non-zero when it is not, so
// the JSON answer is read before the exit status.
func (c *CephController) SafeToRemove(ctx context.Context, d Info) (bool, error) {
	osdID, err := c.osdID(ctx, d.DevicePath)
	if err != nil {
		return false, err
	}
	osd := "osd." + strconv.Itoa(osdID)

	out, err := c.run(ctx, c.ceph, "osd", "ok-to-stop", osd, "--format", "json")
	var answer okToStop
	if jerr := json.Unmarshal(bytes.TrimSpace(out), &answer); jerr == nil && answer.OK != nil {
		if !*answer.OK {
			c.logger.Warn("OSD is not safe to remove",
				zap.String("disk_id", d.DiskID),
				zap.String("osd", osd),
				zap.Int("pgs_at_risk", answer.NotOKPGs))
		}
		return *answer.OK, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check whether %s is safe to remove: %w", osd, err)
	}
	return true, nil
}

// Remove marks the disk's OSD out and deletes it from the cluster
func (c *CephController) Remove(ctx context.Context, d Info) error {
	osdID, err := c.osdID(ctx, d.DevicePath)
	if err != nil {
		return err
	}
	osd := "osd." + strconv.Itoa(osdID)

	c.logger.Info("Removing OSD",
		zap.String("disk_id", d.DiskID),
		zap.String("device", d.DevicePath),
		zap.String("osd", osd),
		zap.Bool("simulate", c.simulate))

	steps := [][]string{
		{c.ceph, "osd", "out", osd},
		{c.ceph, "osd", "crush", "remove", osd},
		{c.ceph, "auth", "del", osd},
		{"systemctl", "stop", "ceph-osd@" + strconv.Itoa(osdID)},
		{c.ceph, "osd", "rm", osd},
	}
	for _, step := range steps {
		if _, err := c.run(ctx, step[0], step[1:]...); err != nil {
			return fmt.Errorf("failed to remove %s from %s: %w", osd, d.DevicePath, err)
		}
	}
	return nil
}

// Add creates a bluestore OSD on the disk and places it under this host in
// the CRUSH map
func (c *CephController) Add(ctx context.Context, d Info) error {
	if _, err := c.run(ctx, c.cephVolume, "lvm", "create", "--bluestore", "--data", d.DevicePath); err != nil {
		return fmt.Errorf("failed to create OSD on %s: %w", d.DevicePath, err)
	}

	osdID, err := c.osdID(ctx, d.DevicePath)
	if err != nil {
		return err
	}
	osd := "osd." + strconv.Itoa(osdID)
	weight := CrushWeight(d.CapacityBytes)

	c.logger.Info("Adding OSD to crushmap",
		zap.String("disk_id", d.DiskID),
		zap.String("osd", osd),
		zap.String("host", c.hostname),
		zap.Float64("weight", weight),
		zap.Bool("simulate", c.simulate))

	_, err = c.run(ctx, c.ceph, "osd", "crush", "add", osd,
		strconv.FormatFloat(weight, 'f', 3, 64), "host="+c.hostname)
	if err != nil {
		return fmt.Errorf("failed to add %s to crushmap: %w", osd, err)
	}
	return nil
}

// osdID finds the OSD backed by dev
func (c *CephController) osdID(ctx context.Context, dev string) (int, error) {
	if c.simulate {
		return 0, nil
	}

	out, err := c.runner.Run(ctx, c.cephVolume, "lvm", "list", "--format", "json", dev)
	if err != nil {
		return 0, fmt.Errorf("failed to look up OSD for %s: %w", dev, err)
	}

	var listing map[string]json.RawMessage
	if err := json.Unmarshal(out, &listing); err != nil {
		return 0, fmt.Errorf("failed to parse ceph-volume listing for %s: %w", dev, err)
	}
	for key := range listing {
		id, err := strconv.Atoi(key)
		if err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no OSD found on %s", dev)
}

func (c *CephController) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if c.simulate {
		c.logger.Info("Simulated command",
			zap.String("command", name),
			zap.Strings("args", args))
		return nil, nil
	}
	return c.runner.Run(ctx, name, args...)
}
