// Package health implements the operational checks run outside the
// request path: the pass/fail health check with its JSON report, and
// the resource monitor with threshold alerts.
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

// Sampler reads host and process resources. [*sysinfo.Probe]
// implements it.
type Sampler interface {
	Memory() (sysinfo.Memory, error)
	Disk(path string) (sysinfo.Disk, error)
	CPUPercent(ctx context.Context, interval time.Duration) (float64, error)
	Process(pid int) (sysinfo.Process, error)
	Running(pid int) bool
	GPUs(ctx context.Context) ([]sysinfo.GPU, error)
}

// Check statuses written to the report.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the outcome of one check.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OK reports whether the check passed.
func (r Result) OK() bool { return r.Status == StatusOK }

func pass(format string, args ...any) Result {
	return Result{Status: StatusOK, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// Report is the health_report.json document.
type Report struct {
	Timestamp    time.Time         `json:"timestamp"`
	GlobalStatus string            `json:"global_status"`
	Checks       map[string]Result `json:"checks"`

	order []string
}

// Healthy reports whether every check passed.
func (r *Report) Healthy() bool { return r.GlobalStatus == "healthy" }

// Checker runs the health checks.
type Checker struct {
	Sampler Sampler
	// PIDFile is written by the running bot.
	PIDFile string
	// DiskPath selects the filesystem to check.
	DiskPath string
	// LogFile is the active log file; rotated backups are not counted.
	LogFile string
	// Config validates the configuration; nil skips the check.
	Config func() error

	Now func() time.Time
}

// Check names, in report order.
const (
	CheckProcess = "Processus bot"
	CheckDisk    = "Espace disque"
	CheckMemory  = "Mémoire RAM"
	CheckGPU     = "GPU"
	CheckConfig  = "Configuration"
	CheckLog     = "Fichier log"
)

// Run executes every check. A check never aborts the others.
func (c *Checker) Run(ctx context.Context) *Report {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	r := &Report{
		Timestamp: now(),
		Checks:    make(map[string]Result),
	}
	checks := []struct {
		name string
		fn   func(context.Context) Result
	}{
		{CheckProcess, c.checkProcess},
		{CheckDisk, c.checkDisk},
		{CheckMemory, c.checkMemory},
		{CheckGPU, c.checkGPU},
		{CheckConfig, c.checkConfig},
		{CheckLog, c.checkLog},
	}
	healthy := true
	for _, chk := range checks {
		res := chk.fn(ctx)
		r.Checks[chk.name] = res
		r.order = append(r.order, chk.name)
		if !res.OK() {
			healthy = false
		}
	}
	r.GlobalStatus = "unhealthy"
	if healthy {
		r.GlobalStatus = "healthy"
	}
	return r
}

func (c *Checker) checkProcess(context.Context) Result {
	pid, err := ReadPIDFile(c.PIDFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fail("Fichier PID non trouvé")
	case err != nil:
		return fail("Erreur lecture PID: %v", err)
	}
	if !c.Sampler.Running(pid) {
		return fail("Processus PID %d non trouvé", pid)
	}
	p, err := c.Sampler.Process(pid)
	if err != nil {
		return fail("Processus PID %d illisible: %v", pid, err)
	}
	return pass("Processus actif (PID: %d, RAM: %dMB)", pid, sysinfo.MiB(p.RSS))
}

func (c *Checker) checkDisk(context.Context) Result {
	path := c.DiskPath
	if path == "" {
		path = "."
	}
	d, err := c.Sampler.Disk(path)
	if err != nil {
		return fail("Erreur vérification disque: %v", err)
	}
	switch {
	case d.Percent > 90:
		return fail("Espace disque critique: %.1f%% utilisé", d.Percent)
	case d.Percent > 80:
		return pass("Avertissement espace disque: %.1f%% utilisé (%dGB libres)", d.Percent, sysinfo.GiB(d.Free))
	default:
		return pass("Espace disque OK: %dGB libres sur %dGB", sysinfo.GiB(d.Free), sysinfo.GiB(d.Total))
	}
}

func (c *Checker) checkMemory(context.Context) Result {
	m, err := c.Sampler.Memory()
	if err != nil {
		return fail("Erreur vérification mémoire: %v", err)
	}
	switch {
	case m.Percent > 90:
		return fail("Mémoire critique: %.1f%% utilisée", m.Percent)
	case m.Percent > 80:
		return pass("Avertissement mémoire: %.1f%% utilisée", m.Percent)
	default:
		return pass("Mémoire OK: %.1f%% utilisée (%dMB libres)", m.Percent, sysinfo.MiB(m.Available))
	}
}

func (c *Checker) checkGPU(ctx context.Context) Result {
	gpus, err := c.Sampler.GPUs(ctx)
	switch {
	case errors.Is(err, sysinfo.ErrNoGPU):
		return pass("nvidia-smi non trouvé (pas de GPU NVIDIA)")
	case errors.Is(err, context.DeadlineExceeded):
		return fail("Timeout lors de la vérification GPU")
	case err != nil, len(gpus) == 0:
		return pass("GPU non disponible ou nvidia-smi non installé")
	}
	parts := make([]string, 0, len(gpus))
	for _, g := range gpus {
		status := "OK"
		switch {
		case g.MemoryPercent > 90:
			status = "CRITIQUE"
		case g.MemoryPercent > 80:
			status = "AVERTISSEMENT"
		}
		parts = append(parts, fmt.Sprintf("GPU%d: %s - Mém: %.1f%%, Util: %.0f%%", g.Index, status, g.MemoryPercent, g.Utilization))
	}
	return pass("%s", strings.Join(parts, "; "))
}

func (c *Checker) checkConfig(context.Context) Result {
	if c.Config == nil {
		return pass("Configuration non vérifiée")
	}
	if err := c.Config(); err != nil {
		return fail("%v", err)
	}
	return pass("Configuration OK")
}

func (c *Checker) checkLog(context.Context) Result {
	if c.LogFile == "" {
		return pass("Journalisation fichier désactivée")
	}
	info, err := os.Stat(c.LogFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return pass("Pas de fichier log (bot pas encore démarré)")
	case err != nil:
		return fail("Erreur lecture log: %v", err)
	}
	sizeMB := float64(info.Size()) / (1024 * 1024)
	if sizeMB > 100 {
		return fail("Fichier log volumineux: %.1fMB", sizeMB)
	}
	return pass("Fichier log: %.1fMB", sizeMB)
}

// Print writes the human-readable report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, "🏥 Vérification de santé du bot Code du Travail")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Timestamp: %s\n\n", r.Timestamp.Format(time.RFC3339))
	for _, name := range r.order {
		res := r.Checks[name]
		mark := "✅ OK"
		if !res.OK() {
			mark = "❌ ERREUR"
		}
		fmt.Fprintf(w, "%s %s: %s\n", mark, name, res.Message)
	}
	fmt.Fprintln(w)
	if r.Healthy() {
		fmt.Fprintln(w, "État global: ✅ SAIN")
	} else {
		fmt.Fprintln(w, "État global: ❌ PROBLÈMES DÉTECTÉS")
	}
}

// WriteJSON saves the report to path, indented, with non-ASCII text
// kept readable.
func (r *Report) WriteJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}
