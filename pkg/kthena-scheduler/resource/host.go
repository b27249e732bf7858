/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resource

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/prometheus/procfs"
)

// HostProbe reads memory from /proc/meminfo and derives occupancy from the one minute load average.
type HostProbe struct {
	fs   procfs.FS
	cpus int
}

// NewHostProbe opens the proc filesystem mounted at mountPoint. Zero cpus means runtime.NumCPU.
func NewHostProbe(mountPoint string, cpus int) (*HostProbe, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", mountPoint, err)
	}
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	return &HostProbe{fs: fs, cpus: cpus}, nil
}

func (p *HostProbe) Name() string {
	return "host"
}

func (p *HostProbe) Read(ctx context.Context) (Reading, error) {
	meminfo, err := p.fs.Meminfo()
	if err != nil {
		return Reading{}, fmt.Errorf("read meminfo: %w", err)
	}
	if meminfo.MemTotal == nil || meminfo.MemAvailable == nil {
		return Reading{}, fmt.Errorf("meminfo lacks MemTotal or MemAvailable")
	}
	load, err := p.fs.LoadAvg()
	if err != nil {
		return Reading{}, fmt.Errorf("read loadavg: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	return Reading{
		// meminfo reports kB
		TotalMemory:      *meminfo.MemTotal * 1024,
		AvailableMemory:  *meminfo.MemAvailable * 1024,
		ComputeOccupancy: math.Min(load.Load1/float64(p.cpus), 1),
		InFlightObserved: true,
	}, nil
}
