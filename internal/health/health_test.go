package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colonylab/codetravail-bot/internal/sysinfo"
)

type fakeSampler struct {
	memory  sysinfo.Memory
	disk    sysinfo.Disk
	cpu     float64
	running map[int]bool
	gpus    []sysinfo.GPU
	gpuErr  error
	diskErr error
}

func (f *fakeSampler) Memory() (sysinfo.Memory, error) { return f.memory, nil }
func (f *fakeSampler) Disk(string) (sysinfo.Disk, error) {
	return f.disk, f.diskErr
}
func (f *fakeSampler) CPUPercent(context.Context, time.Duration) (float64, error) {
	return f.cpu, nil
}
func (f *fakeSampler) Process(pid int) (sysinfo.Process, error) {
	if !f.running[pid] {
		return sysinfo.Process{}, os.ErrNotExist
	}
	return sysinfo.Process{PID: pid, RSS: 512 << 20, Uptime: 3*time.Hour + 7*time.Minute}, nil
}
func (f *fakeSampler) Running(pid int) bool { return f.running[pid] }
func (f *fakeSampler) GPUs(context.Context) ([]sysinfo.GPU, error) {
	return f.gpus, f.gpuErr
}

func healthySampler() *fakeSampler {
	return &fakeSampler{
		memory:  sysinfo.Memory{Total: 16 << 30, Available: 8 << 30, Used: 8 << 30, Percent: 50},
		disk:    sysinfo.Disk{Total: 100 << 30, Free: 60 << 30, Used: 40 << 30, Percent: 40},
		cpu:     12,
		running: map[int]bool{4242: true},
		gpuErr:  sysinfo.ErrNoGPU,
	}
}

func writePID(t *testing.T, dir string, pid int) string {
	t.Helper()
	path := filepath.Join(dir, "bot.pid")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestChecker_Healthy(t *testing.T) {
	dir := t.TempDir()
	c := &Checker{
		Sampler: healthySampler(),
		PIDFile: writePID(t, dir, 4242),
		LogFile: filepath.Join(dir, "logs", "bot.log"),
		Config:  func() error { return nil },
	}
	r := c.Run(context.Background())
	if !r.Healthy() {
		t.Fatalf("report unhealthy: %+v", r.Checks)
	}
	if got := r.Checks[CheckProcess].Message; got != "Processus actif (PID: 4242, RAM: 512MB)" {
		t.Errorf("process message = %q", got)
	}
	if got := r.Checks[CheckDisk].Message; got != "Espace disque OK: 60GB libres sur 100GB" {
		t.Errorf("disk message = %q", got)
	}
	if got := r.Checks[CheckLog].Message; got != "Pas de fichier log (bot pas encore démarré)" {
		t.Errorf("log message = %q", got)
	}
	if got := r.Checks[CheckGPU].Message; got != "nvidia-smi non trouvé (pas de GPU NVIDIA)" {
		t.Errorf("gpu message = %q", got)
	}
}

func TestChecker_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Checker, s *fakeSampler)
		check string
		want  string
	}{
		{"missing pid file", func(c *Checker, s *fakeSampler) { c.PIDFile = filepath.Join(t.TempDir(), "none.pid") }, CheckProcess, "Fichier PID non trouvé"},
		{"dead process", func(c *Checker, s *fakeSampler) { s.running = nil }, CheckProcess, "Processus PID 4242 non trouvé"},
		{"disk critical", func(c *Checker, s *fakeSampler) { s.disk.Percent = 93.5 }, CheckDisk, "Espace disque critique: 93.5% utilisé"},
		{"disk unreadable", func(c *Checker, s *fakeSampler) { s.diskErr = errors.New("statfs: permission denied") }, CheckDisk, "Erreur vérification disque: statfs: permission denied"},
		{"memory critical", func(c *Checker, s *fakeSampler) { s.memory.Percent = 95 }, CheckMemory, "Mémoire critique: 95.0% utilisée"},
		{"gpu timeout", func(c *Checker, s *fakeSampler) {
			s.gpuErr = fmt.Errorf("nvidia-smi: %w", context.DeadlineExceeded)
		}, CheckGPU, "Timeout lors de la vérification GPU"},
		{"bad config", func(c *Checker, s *fakeSampler) {
			c.Config = func() error { return errors.New("configuration error: TELEGRAM_BOT_TOKEN is required") }
		}, CheckConfig, "configuration error: TELEGRAM_BOT_TOKEN is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := healthySampler()
			c := &Checker{Sampler: s, PIDFile: writePID(t, t.TempDir(), 4242)}
			tt.setup(c, s)
			r := c.Run(context.Background())
			if r.Healthy() {
				t.Error("report healthy, want unhealthy")
			}
			res := r.Checks[tt.check]
			if res.Status != StatusError || res.Message != tt.want {
				t.Errorf("%s = %+v, want error %q", tt.check, res, tt.want)
			}
		})
	}
}

func TestChecker_Warnings(t *testing.T) {
	s := healthySampler()
	s.disk.Percent = 82
	s.memory.Percent = 85
	s.gpuErr = nil
	s.gpus = []sysinfo.GPU{{Index: 0, MemoryPercent: 85, Utilization: 40}}
	c := &Checker{Sampler: s, PIDFile: writePID(t, t.TempDir(), 4242)}

	r := c.Run(context.Background())
	if !r.Healthy() {
		t.Fatalf("warnings made the report unhealthy: %+v", r.Checks)
	}
	if got := r.Checks[CheckDisk].Message; !strings.HasPrefix(got, "Avertissement espace disque: 82.0% utilisé") {
		t.Errorf("disk message = %q", got)
	}
	if got := r.Checks[CheckGPU].Message; got != "GPU0: AVERTISSEMENT - Mém: 85.0%, Util: 40%" {
		t.Errorf("gpu message = %q", got)
	}
}

func TestChecker_LargeLog(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "bot.log")
	f, err := os.Create(logFile)
	if err != nil {
		t.Fatal(err)
	}
	// Sparse file: the size is what counts.
	if err := f.Truncate(101 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c := &Checker{Sampler: healthySampler(), PIDFile: writePID(t, dir, 4242), LogFile: logFile}
	r := c.Run(context.Background())
	if res := r.Checks[CheckLog]; res.OK() || res.Message != "Fichier log volumineux: 101.0MB" {
		t.Errorf("log check = %+v", res)
	}
}

func TestReport_JSONAndPrint(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := &Checker{
		Sampler: healthySampler(),
		PIDFile: writePID(t, dir, 4242),
		Now:     func() time.Time { return ts },
	}
	r := c.Run(context.Background())

	path := filepath.Join(dir, "health_report.json")
	if err := r.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Timestamp    string `json:"timestamp"`
		GlobalStatus string `json:"global_status"`
		Checks       map[string]struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if doc.GlobalStatus != "healthy" || doc.Timestamp != "2026-03-02T09:00:00Z" {
		t.Errorf("report header = %+v", doc)
	}
	if len(doc.Checks) != 6 || doc.Checks[CheckMemory].Status != "ok" {
		t.Errorf("checks = %+v", doc.Checks)
	}
	if !bytes.Contains(raw, []byte("Mémoire RAM")) {
		t.Error("non-ASCII check names were escaped")
	}

	var out bytes.Buffer
	r.Print(&out)
	text := out.String()
	if !strings.Contains(text, "✅ OK Processus bot: Processus actif") || !strings.HasSuffix(text, "État global: ✅ SAIN\n") {
		t.Errorf("Print output:\n%s", text)
	}
	if strings.Index(text, CheckProcess) > strings.Index(text, CheckLog) {
		t.Error("checks printed out of order")
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "bot.pid")
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("ReadPIDFile = %d, %v; want %d", pid, err, os.Getpid())
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pid file still present: %v", err)
	}
}

func TestRemovePIDFile_KeepsOtherProcess(t *testing.T) {
	path := writePID(t, t.TempDir(), os.Getpid()+1)
	if err := RemovePIDFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("removed a pid file owned by another process")
	}
}

func TestReadPIDFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	os.WriteFile(path, []byte("not-a-pid"), 0o644)
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("ReadPIDFile accepted garbage")
	}
}
