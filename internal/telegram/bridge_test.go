package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colonylab/codetravail-bot/internal/generate"
	"github.com/colonylab/codetravail-bot/internal/sysinfo"
)

type sentMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
	ReplyTo   int64
}

// fakeBotAPI serves queued update batches and records what the bridge
// sends.
type fakeBotAPI struct {
	t *testing.T

	mu       sync.Mutex
	batches  [][]Update
	offsets  []int64
	sent     []sentMessage
	actions  []string
	failSend func(text string) bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.mu.Lock()
	defer f.mu.Unlock()

	switch method {
	case "getUpdates":
		var req getUpdatesRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.offsets = append(f.offsets, req.Offset)
		var batch []Update
		if len(f.batches) > 0 {
			batch, f.batches = f.batches[0], f.batches[1:]
		}
		writeResult(w, batch)
	case "sendMessage":
		var req sendMessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		if f.failSend != nil && f.failSend(req.Text) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: message is too long"}`))
			return
		}
		f.sent = append(f.sent, sentMessage{req.ChatID, req.Text, req.ParseMode, req.ReplyToMessageID})
		writeResult(w, Message{MessageID: int64(len(f.sent)), Chat: Chat{ID: req.ChatID}})
	case "sendChatAction":
		var req sendChatActionRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.actions = append(f.actions, req.Action)
		writeResult(w, true)
	default:
		f.t.Errorf("unexpected Bot API method %q", method)
		http.NotFound(w, r)
	}
}

func writeResult(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": v})
}

func (f *fakeBotAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Text
	}
	return out
}

type fakeModel struct {
	loaded, loading, fineTuned bool
	loadErr                    error
	loads                      int
}

func (m *fakeModel) Loaded() bool    { return m.loaded }
func (m *fakeModel) Loading() bool   { return m.loading }
func (m *fakeModel) FineTuned() bool { return m.fineTuned }
func (m *fakeModel) EnsureLoaded(context.Context) error {
	m.loads++
	if m.loadErr != nil {
		return m.loadErr
	}
	m.loaded = true
	return nil
}

type fakeAnswerer struct {
	answer    string
	questions []string
}

func (a *fakeAnswerer) Answer(_ context.Context, q string) string {
	a.questions = append(a.questions, q)
	return a.answer
}

type fakeStats struct{}

func (fakeStats) Memory() (sysinfo.Memory, error) {
	return sysinfo.Memory{Total: 16 << 30, Used: 4 << 30, Percent: 25}, nil
}
func (fakeStats) Disk(string) (sysinfo.Disk, error) {
	return sysinfo.Disk{Total: 100 << 30, Used: 50 << 30, Percent: 50}, nil
}
func (fakeStats) CPUPercent(context.Context, time.Duration) (float64, error) { return 12.5, nil }
func (fakeStats) GPUs(context.Context) ([]sysinfo.GPU, error) {
	return []sysinfo.GPU{{MemoryUsedMB: 2048, MemoryTotalMB: 8192}}, nil
}

type fixture struct {
	api      *fakeBotAPI
	model    *fakeModel
	answerer *fakeAnswerer
	bridge   *Bridge
}

func newFixture(t *testing.T, batches ...[]Update) *fixture {
	t.Helper()
	api := &fakeBotAPI{t: t, batches: batches}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	f := &fixture{
		api:      api,
		model:    &fakeModel{loaded: true, fineTuned: true},
		answerer: &fakeAnswerer{answer: "La période d'essai est de deux mois."},
	}
	f.bridge = NewBridge(BridgeConfig{
		Client:   NewClient(srv.URL, testToken, srv.Client(), nil),
		Model:    f.model,
		Answerer: f.answerer,
		Stats:    fakeStats{},
		Device:   "cpu",
	})
	return f
}

func text(updateID, userID int64, body string) Update {
	return Update{
		UpdateID: updateID,
		Message: &Message{
			MessageID: updateID * 10,
			From:      &User{ID: userID, FirstName: "Alice"},
			Chat:      Chat{ID: userID, Type: "private"},
			Text:      body,
		},
	}
}

func TestBridge_Question(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "Quelle est la durée de la période d'essai ?")})
	if err := f.bridge.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if len(f.answerer.questions) != 1 || f.answerer.questions[0] != "Quelle est la durée de la période d'essai ?" {
		t.Errorf("questions = %q", f.answerer.questions)
	}
	if len(f.api.actions) != 1 || f.api.actions[0] != "typing" {
		t.Errorf("chat actions = %v, want [typing]", f.api.actions)
	}
	if len(f.api.sent) != 1 {
		t.Fatalf("sent = %+v, want one reply", f.api.sent)
	}
	got := f.api.sent[0]
	want := sentMessage{ChatID: 7, Text: "La période d'essai est de deux mois.", ReplyTo: 10}
	if got != want {
		t.Errorf("reply = %+v, want %+v", got, want)
	}
}

func TestBridge_OffsetAdvances(t *testing.T) {
	f := newFixture(t, []Update{text(41, 7, "a"), text(42, 7, "b")}, nil)
	ctx := context.Background()
	f.bridge.PollOnce(ctx)
	f.bridge.PollOnce(ctx)

	if len(f.api.offsets) != 2 || f.api.offsets[0] != 0 || f.api.offsets[1] != 43 {
		t.Errorf("offsets = %v, want [0 43]", f.api.offsets)
	}
	if len(f.answerer.questions) != 2 || f.answerer.questions[0] != "a" {
		t.Errorf("questions = %q, want in arrival order", f.answerer.questions)
	}
}

func TestBridge_Commands(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{"help", "/help", helpText},
		{"help with bot suffix", "/help@codetravail_bot", helpText},
		{"start loaded", "/start", welcomeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []Update{text(1, 7, tt.cmd)})
			f.bridge.PollOnce(context.Background())
			if len(f.api.sent) != 1 {
				t.Fatalf("sent = %q, want one message", f.api.texts())
			}
			if f.api.sent[0].Text != tt.want || f.api.sent[0].ParseMode != ParseModeMarkdown {
				t.Errorf("sent = %+v", f.api.sent[0])
			}
			if len(f.answerer.questions) != 0 {
				t.Error("command reached the answerer")
			}
		})
	}
}

func TestBridge_UnknownCommandIgnored(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "/foo")})
	f.bridge.PollOnce(context.Background())
	if len(f.api.sent) != 0 || len(f.answerer.questions) != 0 {
		t.Errorf("unknown command produced %q", f.api.texts())
	}
}

func TestBridge_StartLoadsModel(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "/start")})
	f.model.loaded = false
	f.bridge.PollOnce(context.Background())

	want := []string{welcomeText, startLoadingText, startLoadedText}
	got := f.api.texts()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("sent = %q, want %q", got, want)
	}
	if f.model.loads != 1 {
		t.Errorf("loads = %d, want 1", f.model.loads)
	}
}

func TestBridge_Status(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "/status")})
	f.bridge.device = "cuda"
	f.bridge.PollOnce(context.Background())

	got := f.api.texts()
	if len(got) != 1 {
		t.Fatalf("sent = %q", got)
	}
	for _, want := range []string{
		"🖥️ CPU: 12.5%",
		"💾 RAM: 25.0% (4.0GB / 16.0GB)",
		"💿 Disque: 50.0% (50.0GB / 100.0GB)",
		"🔧 Device: cuda",
		"🎮 GPU: 2.0GB / 8.0GB",
		"🤖 Modèle: LoRA Fine-tuné",
	} {
		if !strings.Contains(got[0], want) {
			t.Errorf("status missing %q:\n%s", want, got[0])
		}
	}
}

func TestBridge_StatusModelStates(t *testing.T) {
	tests := []struct {
		loaded, fineTuned bool
		want              string
	}{
		{true, false, "🤖 Modèle: Base Model"},
		{false, false, "🤖 Modèle: Non chargé"},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.model.loaded, f.model.fineTuned = tt.loaded, tt.fineTuned
		got := f.bridge.statusText(context.Background())
		if !strings.Contains(got, tt.want) || strings.Contains(got, "GPU") {
			t.Errorf("status = %q, want %q without GPU line", got, tt.want)
		}
	}
}

func TestBridge_ModelLoading(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "Une question sur les congés")})
	f.model.loaded, f.model.loading = false, true
	f.bridge.PollOnce(context.Background())

	if got := f.api.texts(); len(got) != 1 || got[0] != generate.LoadingMessage {
		t.Errorf("sent = %q, want the loading notice", got)
	}
	if len(f.answerer.questions) != 0 || f.model.loads != 0 {
		t.Error("question was processed while the model was loading")
	}
}

func TestBridge_LazyLoadThenAnswer(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "Une question sur les congés")})
	f.model.loaded = false
	f.bridge.PollOnce(context.Background())

	want := []string{loadingText, loadedText, f.answerer.answer}
	if got := f.api.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("sent = %q, want %q", got, want)
	}
}

func TestBridge_LoadFailure(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "Une question sur les congés")})
	f.model.loaded = false
	f.model.loadErr = errors.New("connection refused")
	f.bridge.PollOnce(context.Background())

	got := f.api.texts()
	if len(got) != 2 || got[1] != "❌ Erreur lors du chargement du modèle: connection refused" {
		t.Errorf("sent = %q", got)
	}
	if len(f.answerer.questions) != 0 {
		t.Error("answerer called after a failed load")
	}
}

func TestBridge_SendFailureApologizes(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "Une question sur les congés")})
	f.api.failSend = func(text string) bool { return text == f.answerer.answer }
	f.bridge.PollOnce(context.Background())

	if got := f.api.texts(); len(got) != 1 || got[0] != sendFailedText {
		t.Errorf("sent = %q, want the apology", got)
	}
}

func TestBridge_RateLimit(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "q1"), text(2, 7, "q2"), text(3, 8, "q3")})
	f.bridge.rateLimit = 1
	f.bridge.PollOnce(context.Background())

	if len(f.answerer.questions) != 2 || f.answerer.questions[1] != "q3" {
		t.Errorf("questions = %q, want [q1 q3]", f.answerer.questions)
	}
	got := f.api.texts()
	if len(got) != 3 || got[1] != rateLimitedText {
		t.Errorf("sent = %q", got)
	}
}

func TestBridge_RateLimitWindowSlides(t *testing.T) {
	f := newFixture(t)
	f.bridge.rateLimit = 2
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.bridge.now = func() time.Time { return now }

	if !f.bridge.allowSender(1) || !f.bridge.allowSender(1) {
		t.Fatal("first two questions refused")
	}
	if f.bridge.allowSender(1) {
		t.Error("third question in the window allowed")
	}
	now = now.Add(61 * time.Second)
	if !f.bridge.allowSender(1) {
		t.Error("question after the window refused")
	}
}

func TestBridge_IgnoresEmptyAndBots(t *testing.T) {
	bot := text(2, 9, "hello")
	bot.Message.From.IsBot = true
	f := newFixture(t, []Update{{UpdateID: 1}, bot, text(3, 7, "   ")})
	f.bridge.PollOnce(context.Background())
	if len(f.api.sent) != 0 || len(f.answerer.questions) != 0 {
		t.Errorf("sent = %q", f.api.texts())
	}
}

func TestBridge_LongAnswerSplit(t *testing.T) {
	f := newFixture(t, []Update{text(1, 7, "question")})
	f.answerer.answer = strings.Repeat("Article L1221-19 du Code du travail. ", 200)
	f.bridge.PollOnce(context.Background())

	got := f.api.texts()
	if len(got) < 2 {
		t.Fatalf("sent %d messages, want the answer split", len(got))
	}
	for i, part := range got {
		if utf16Len(part) > maxMessageLength {
			t.Errorf("part %d is %d units long", i, utf16Len(part))
		}
	}
}

func TestBridge_StartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bridge.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/start", "start", true},
		{"/Status@codetravail_bot", "status", true},
		{"/help please", "help", true},
		{"bonjour", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		got, ok := command(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("command(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("court", 4096); len(got) != 1 || got[0] != "court" {
		t.Errorf("short = %q", got)
	}

	got := splitMessage("aaaa bbbb\ncccc dddd", 12)
	want := []string{"aaaa bbbb", "cccc dddd"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("split = %q, want %q", got, want)
	}

	// Each emoji counts as two UTF-16 units.
	got = splitMessage(strings.Repeat("😀", 5), 4)
	if len(got) != 3 || got[0] != "😀😀" || got[2] != "😀" {
		t.Errorf("emoji split = %q", got)
	}
}
