package device

import (
	"context"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type systemResources struct {
	path string
}

// NewSystemResources reports the available memory of the system and the free space of the filesystem holding path.
func NewSystemResources(path string) Resources {
	return &systemResources{path: path}
}

func (s *systemResources) FreeMemoryBytes(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (s *systemResources) FreeStorageBytes(ctx context.Context) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, s.path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
