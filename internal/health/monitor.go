package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/colonylab/codetravail-bot/internal/sysinfo"
)

// Thresholds trigger monitor alerts when exceeded.
type Thresholds struct {
	MemoryPercent    float64
	DiskPercent      float64
	CPUPercent       float64
	GPUMemoryPercent float64
	LogSizeMB        float64
}

// DefaultThresholds returns the stock alert levels.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryPercent:    90,
		DiskPercent:      85,
		CPUPercent:       95,
		GPUMemoryPercent: 90,
		LogSizeMB:        100,
	}
}

// Stats is one monitor sample.
type Stats struct {
	Timestamp  time.Time        `json:"timestamp"`
	BotRunning bool             `json:"bot_running"`
	CPUPercent float64          `json:"cpu_percent"`
	Memory     sysinfo.Memory   `json:"memory"`
	Disk       sysinfo.Disk     `json:"disk"`
	GPUs       []sysinfo.GPU    `json:"gpus"`
	BotProcess *sysinfo.Process `json:"bot_process,omitempty"`
	LogSizeMB  float64          `json:"log_size_mb,omitempty"`
}

// Snapshot is the monitor's JSON output.
type Snapshot struct {
	Stats   Stats    `json:"stats"`
	Alerts  []string `json:"alerts"`
	Healthy bool     `json:"healthy"`
}

// Monitor samples resources and raises alerts.
type Monitor struct {
	Sampler    Sampler
	PIDFile    string
	DiskPath   string
	LogFile    string
	Thresholds Thresholds
	// CPUInterval is the CPU sampling window; zero means one second.
	CPUInterval time.Duration
}

// Collect takes one sample. Unreadable GPU or process data is left
// empty rather than failing the sample.
func (m *Monitor) Collect(ctx context.Context) (Stats, error) {
	s := Stats{Timestamp: time.Now(), GPUs: []sysinfo.GPU{}}

	if pid, err := ReadPIDFile(m.PIDFile); err == nil && m.Sampler.Running(pid) {
		s.BotRunning = true
		if p, err := m.Sampler.Process(pid); err == nil {
			s.BotProcess = &p
		}
	}

	interval := m.CPUInterval
	if interval <= 0 {
		interval = time.Second
	}
	var err error
	if s.CPUPercent, err = m.Sampler.CPUPercent(ctx, interval); err != nil {
		return s, fmt.Errorf("cpu: %w", err)
	}
	if s.Memory, err = m.Sampler.Memory(); err != nil {
		return s, fmt.Errorf("memory: %w", err)
	}
	diskPath := m.DiskPath
	if diskPath == "" {
		diskPath = "."
	}
	if s.Disk, err = m.Sampler.Disk(diskPath); err != nil {
		return s, fmt.Errorf("disk: %w", err)
	}
	if gpus, err := m.Sampler.GPUs(ctx); err == nil {
		s.GPUs = gpus
	}
	if m.LogFile != "" {
		if info, err := os.Stat(m.LogFile); err == nil {
			s.LogSizeMB = float64(info.Size()) / (1024 * 1024)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return s, fmt.Errorf("log file: %w", err)
		}
	}
	return s, nil
}

// Alerts lists every threshold s exceeds.
func (t Thresholds) Alerts(s Stats) []string {
	alerts := []string{}
	if !s.BotRunning {
		alerts = append(alerts, "❌ Bot arrêté ou non fonctionnel")
	}
	if s.Memory.Percent > t.MemoryPercent {
		alerts = append(alerts, fmt.Sprintf("⚠️ Mémoire critique: %.1f%%", s.Memory.Percent))
	}
	if s.Disk.Percent > t.DiskPercent {
		alerts = append(alerts, fmt.Sprintf("⚠️ Espace disque critique: %.1f%%", s.Disk.Percent))
	}
	if s.CPUPercent > t.CPUPercent {
		alerts = append(alerts, fmt.Sprintf("⚠️ CPU critique: %.1f%%", s.CPUPercent))
	}
	for _, g := range s.GPUs {
		if g.MemoryPercent > t.GPUMemoryPercent {
			alerts = append(alerts, fmt.Sprintf("⚠️ GPU%d mémoire critique: %.1f%%", g.Index, g.MemoryPercent))
		}
	}
	if s.LogSizeMB > t.LogSizeMB {
		alerts = append(alerts, fmt.Sprintf("⚠️ Fichier log volumineux: %.1fMB", s.LogSizeMB))
	}
	return alerts
}

// Snapshot collects one sample and evaluates it.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	s, err := m.Collect(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	alerts := m.Thresholds.Alerts(s)
	return Snapshot{Stats: s, Alerts: alerts, Healthy: len(alerts) == 0}, nil
}

// WriteJSON writes the snapshot as indented JSON.
func (s Snapshot) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(s)
}

// Print writes the human-readable status.
func (s Snapshot) Print(w io.Writer) {
	st := s.Stats
	fmt.Fprintln(w, "📊 Monitoring Bot Code du Travail")
	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "🕐 %s\n\n", st.Timestamp.Format("2006-01-02 15:04:05"))

	if st.BotRunning {
		fmt.Fprintln(w, "✅ Bot: En cours d'exécution")
		if p := st.BotProcess; p != nil {
			fmt.Fprintf(w, "   ⏱️  Uptime: %s\n", FormatUptime(p.Uptime))
			fmt.Fprintf(w, "   💾 RAM: %dMB\n", sysinfo.MiB(p.RSS))
			fmt.Fprintf(w, "   🔄 CPU: %.1fs\n", p.CPUSeconds)
		}
	} else {
		fmt.Fprintln(w, "❌ Bot: Arrêté")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🖥️  Système:")
	fmt.Fprintf(w, "   💾 RAM: %.1f%% (%dGB / %dGB)\n", st.Memory.Percent, sysinfo.GiB(st.Memory.Used), sysinfo.GiB(st.Memory.Total))
	fmt.Fprintf(w, "   💿 Disque: %.1f%% (%dGB libres)\n", st.Disk.Percent, sysinfo.GiB(st.Disk.Free))
	fmt.Fprintf(w, "   🔄 CPU: %.1f%%\n", st.CPUPercent)
	for _, g := range st.GPUs {
		fmt.Fprintf(w, "   🎮 GPU%d: %.1f%% mém, %.0f%% util, %.0f°C\n", g.Index, g.MemoryPercent, g.Utilization, g.Temperature)
	}
	if st.LogSizeMB > 0 {
		fmt.Fprintf(w, "   📄 Log: %.1fMB\n", st.LogSizeMB)
	}
	fmt.Fprintln(w)

	if len(s.Alerts) == 0 {
		fmt.Fprintln(w, "✅ Aucune alerte")
		return
	}
	fmt.Fprintln(w, "🚨 ALERTES:")
	for _, a := range s.Alerts {
		fmt.Fprintf(w, "   %s\n", a)
	}
}

// FormatUptime renders d as "3h07m".
func FormatUptime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%02dm", h, m)
}

// Watch prints a snapshot every interval until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, w io.Writer, interval time.Duration) error {
	fmt.Fprintf(w, "🔄 Monitoring continu (intervalle: %s)\n", interval)
	fmt.Fprintln(w, "Appuyez sur Ctrl+C pour arrêter")
	fmt.Fprintln(w)
	for {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(w, "❌ Erreur de collecte: %v\n", err)
		} else {
			snap.Print(w)
		}
		fmt.Fprintf(w, "\n⏳ Prochaine vérification dans %s...\n\n", interval)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			fmt.Fprintln(w, "\n👋 Monitoring arrêté")
			return nil
		case <-timer.C:
		}
	}
	fmt.Fprintln(w, "\n👋 Monitoring arrêté")
	return nil
}
