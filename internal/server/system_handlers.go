package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketsim/internal/kernel"
)

var startupTime = time.Now()

// systemStatus is the payload of GET /api/system/status.
type systemStatus struct {
	UptimeSeconds int64         `json:"uptimeSeconds"`
	Kernel        kernel.Status `json:"kernel"`
	Goroutines    int           `json:"goroutines"`
	CPUPercent    float64       `json:"cpuPercent"`
	MemUsedMB     uint64        `json:"memUsedMb"`
	MemPercent    float64       `json:"memPercent"`
}

// handleSystemStatus reports process and host health alongside the kernel
// counters. Host probes that fail just leave their fields at zero.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := systemStatus{
		UptimeSeconds: int64(time.Since(startupTime).Seconds()),
		Kernel:        s.svc.KernelStatus(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	} else if err != nil {
		s.log.Debug().Err(err).Msg("Failed to read CPU usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemUsedMB = vm.Used / 1024 / 1024
		status.MemPercent = vm.UsedPercent
	} else {
		s.log.Debug().Err(err).Msg("Failed to read memory usage")
	}

	s.writeJSON(w, http.StatusOK, status)
}
