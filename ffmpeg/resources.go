package ffmpeg

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var ErrInsufficientResources = errors.New("insufficient system resources")

// ResourceChecker refuses new jobs while the host is short on CPU,
// memory or disk space in the working directory.
type ResourceChecker struct {
	cfg    *config.Config
	sample time.Duration
}

func NewResourceChecker(cfg *config.Config) *ResourceChecker {
	return &ResourceChecker{cfg: cfg, sample: time.Second}
}

// Check verifies that the system has enough free resources to start a
// new job. Metrics that cannot be read are logged and skipped.
func (r *ResourceChecker) Check() error {
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(r.sample, false)
		if err != nil {
			log.Printf("Warning: could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return fmt.Errorf("%w: not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%",
				ErrInsufficientResources, p[0], r.cfg.ThrottleCPU)
		}
	}

	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("Warning: could not get memory usage: %v", err)
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return fmt.Errorf("%w: not enough free memory. Available: %d, Required: %d",
				ErrInsufficientResources, vm.Available, r.cfg.ThrottleFreeMem)
		}
	}

	if r.cfg.ThrottleFreeDisk > 0 && r.cfg.TempDir != "" {
		d, err := disk.Usage(r.cfg.TempDir)
		if err != nil {
			log.Printf("Warning: could not get disk usage for %s: %v", r.cfg.TempDir, err)
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("%w: not enough free disk space. Available: %d, Required: %d",
				ErrInsufficientResources, d.Free, r.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
