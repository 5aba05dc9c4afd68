package system

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

const bytesPerMB = 1024 * 1024

// Collector samples host resource metrics.
type Collector interface {
	Collect(ctx context.Context) (*udmi.SystemMetrics, error)
}

// HostCollector reads memory, storage and load from the running host.
type HostCollector struct {
	storePath string
}

// NewHostCollector reports storage for the filesystem holding storePath.
func NewHostCollector(storePath string) *HostCollector {
	return &HostCollector{storePath: storePath}
}

// Collect returns whatever could be read; errors from individual sources
// are joined and the remaining fields still filled.
func (c *HostCollector) Collect(ctx context.Context) (*udmi.SystemMetrics, error) {
	var out udmi.SystemMetrics
	var errs []error

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		out.MemTotalMB = float64(vm.Total) / bytesPerMB
		out.MemFreeMB = float64(vm.Available) / bytesPerMB
	}

	if usage, err := disk.UsageWithContext(ctx, c.storePath); err != nil {
		errs = append(errs, err)
	} else {
		out.StoreTotalMB = float64(usage.Total) / bytesPerMB
		out.StoreFreeMB = float64(usage.Free) / bytesPerMB
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		out.SystemLoad = avg.Load1
	}

	return &out, errors.Join(errs...)
}
