// Package sysinfo reads host and process resource usage for the
// /status command, the health check and the monitor.
package sysinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ErrNoGPU is returned by [Probe.GPUs] when nvidia-smi is not installed.
var ErrNoGPU = errors.New("nvidia-smi not found")

// DefaultGPUTimeout bounds one nvidia-smi call.
const DefaultGPUTimeout = 10 * time.Second

// Memory is system RAM usage in bytes.
type Memory struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Used      uint64  `json:"used"`
	Percent   float64 `json:"percent"`
}

// Disk is filesystem usage in bytes.
type Disk struct {
	Path    string  `json:"path"`
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// GPU is one NVIDIA device as reported by nvidia-smi. Memory is in MiB.
type GPU struct {
	Index         int     `json:"index"`
	Name          string  `json:"name"`
	MemoryUsedMB  float64 `json:"memory_used"`
	MemoryTotalMB float64 `json:"memory_total"`
	MemoryPercent float64 `json:"memory_percent"`
	Utilization   float64 `json:"utilization"`
	Temperature   float64 `json:"temperature"`
}

// Process describes a running process.
type Process struct {
	PID        int           `json:"pid"`
	RSS        uint64        `json:"rss_bytes"`
	CPUSeconds float64       `json:"cpu_seconds"`
	StartTime  time.Time     `json:"start_time"`
	Uptime     time.Duration `json:"uptime_ns"`
}

// Probe reads /proc, statfs and nvidia-smi.
type Probe struct {
	proc procfs.FS

	// NvidiaSMI is the nvidia-smi executable. Empty disables GPU
	// queries.
	NvidiaSMI  string
	GPUTimeout time.Duration
}

// New returns a Probe on the default /proc mount.
func New() (*Probe, error) {
	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Probe{proc: pfs, NvidiaSMI: "nvidia-smi", GPUTimeout: DefaultGPUTimeout}, nil
}

// Memory returns current RAM usage.
func (p *Probe) Memory() (Memory, error) {
	mi, err := p.proc.Meminfo()
	if err != nil {
		return Memory{}, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return Memory{}, errors.New("meminfo has no MemTotal")
	}
	m := Memory{Total: *mi.MemTotal * 1024}
	switch {
	case mi.MemAvailable != nil:
		m.Available = *mi.MemAvailable * 1024
	case mi.MemFree != nil:
		m.Available = *mi.MemFree * 1024
	}
	m.Used = m.Total - min(m.Available, m.Total)
	if m.Total > 0 {
		m.Percent = float64(m.Used) / float64(m.Total) * 100
	}
	return m, nil
}

// CPUPercent samples overall CPU usage across interval.
func (p *Probe) CPUPercent(ctx context.Context, interval time.Duration) (float64, error) {
	busy0, total0, err := p.cpuTimes()
	if err != nil {
		return 0, err
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}
	busy1, total1, err := p.cpuTimes()
	if err != nil {
		return 0, err
	}
	if total1 <= total0 {
		return 0, nil
	}
	return (busy1 - busy0) / (total1 - total0) * 100, nil
}

func (p *Probe) cpuTimes() (busy, total float64, err error) {
	st, err := p.proc.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("read stat: %w", err)
	}
	c := st.CPUTotal
	idle := c.Idle + c.Iowait
	total = c.User + c.Nice + c.System + idle + c.IRQ + c.SoftIRQ + c.Steal
	return total - idle, total, nil
}

// Disk returns usage of the filesystem holding path.
func (p *Probe) Disk(path string) (Disk, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Disk{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	d := Disk{
		Path:  path,
		Total: st.Blocks * bsize,
		Free:  st.Bavail * bsize,
	}
	d.Used = d.Total - st.Bfree*bsize
	if d.Total > 0 {
		d.Percent = float64(d.Used) / float64(d.Total) * 100
	}
	return d, nil
}

// Process returns usage of a running process. A process that does not
// exist yields an error wrapping fs.ErrNotExist.
func (p *Probe) Process(pid int) (Process, error) {
	pr, err := p.proc.Proc(pid)
	if err != nil {
		return Process{}, fmt.Errorf("process %d: %w", pid, err)
	}
	st, err := pr.Stat()
	if err != nil {
		return Process{}, fmt.Errorf("process %d stat: %w", pid, err)
	}
	info := Process{
		PID:        pid,
		RSS:        uint64(st.ResidentMemory()),
		CPUSeconds: st.CPUTime(),
	}
	if start, err := st.StartTime(); err == nil {
		sec := int64(start)
		info.StartTime = time.Unix(sec, int64((start-float64(sec))*1e9))
		info.Uptime = time.Since(info.StartTime)
	}
	return info, nil
}

// Running reports whether pid names a live process.
func (p *Probe) Running(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := p.proc.Proc(pid)
	return err == nil
}

// GPUs queries nvidia-smi. It returns ErrNoGPU when the tool is absent.
func (p *Probe) GPUs(ctx context.Context) ([]GPU, error) {
	if p.NvidiaSMI == "" {
		return nil, ErrNoGPU
	}
	timeout := p.GPUTimeout
	if timeout <= 0 {
		timeout = DefaultGPUTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.NvidiaSMI,
		"--query-gpu=index,name,memory.used,memory.total,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoGPU
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("nvidia-smi: %w", ctx.Err())
		}
		return nil, fmt.Errorf("nvidia-smi: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMI(stdout.String())
}

// HasGPU reports whether at least one NVIDIA GPU answers.
func (p *Probe) HasGPU(ctx context.Context) bool {
	gpus, err := p.GPUs(ctx)
	return err == nil && len(gpus) > 0
}

func parseNvidiaSMI(out string) ([]GPU, error) {
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("nvidia-smi: unexpected line %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi: bad index %q", fields[0])
		}
		g := GPU{
			Index:         index,
			Name:          fields[1],
			MemoryUsedMB:  number(fields[2]),
			MemoryTotalMB: number(fields[3]),
			Utilization:   number(fields[4]),
			Temperature:   number(fields[5]),
		}
		if g.MemoryTotalMB > 0 {
			g.MemoryPercent = g.MemoryUsedMB / g.MemoryTotalMB * 100
		}
		gpus = append(gpus, g)
	}
	return gpus, nil
}

// number parses a numeric nvidia-smi field; "[N/A]" and friends read
// as zero.
func number(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// GiB formats a byte count in whole gibibytes, as the reports print it.
func GiB(b uint64) uint64 { return b >> 30 }

// MiB formats a byte count in whole mebibytes.
func MiB(b uint64) uint64 { return b >> 20 }
