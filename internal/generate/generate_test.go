package generate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colonylab/codetravail-bot/internal/config"
)

func TestBuildPrompt_Plain(t *testing.T) {
	got := BuildPrompt(PromptPlain, "  Combien de jours de congés payés ?\n", 0)
	want := "<s>[INST] Combien de jours de congés payés ? [/INST]"
	if got != want {
		t.Errorf("BuildPrompt = %q, want %q", got, want)
	}
}

func TestBuildPrompt_Expert(t *testing.T) {
	got := BuildPrompt(PromptExpert, "Qu'est-ce qu'une rupture conventionnelle ?", 0)
	if !strings.HasPrefix(got, "<s>[INST] Vous êtes un expert juridique spécialisé dans le Code du Travail français.") {
		t.Errorf("prompt missing persona: %q", got)
	}
	if !strings.HasSuffix(got, "Question: Qu'est-ce qu'une rupture conventionnelle ? [/INST]") {
		t.Errorf("prompt missing question tail: %q", got)
	}
}

func TestBuildPrompt_TruncatesQuestionKeepsMarkers(t *testing.T) {
	question := strings.Repeat("préavis ", 2000)
	got := BuildPrompt(PromptExpert, question, 256)
	if !strings.HasSuffix(got, " [/INST]") {
		t.Fatalf("truncated prompt lost closing marker: ...%q", got[len(got)-20:])
	}
	if est := EstimateTokens(got); est > 257 {
		t.Errorf("EstimateTokens(prompt) = %d, want <= 257", est)
	}
}

func TestTruncateTokens(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abcdefgh", 0, "abcdefgh"},
		{"abcdefgh", 2, "abcdefgh"},
		{"abcdefghij", 2, "abcdefgh"},
		{"éééééééééé", 1, "éééé"},
	}
	for _, tt := range tests {
		if got := TruncateTokens(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncateTokens(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestPromptStyleFor(t *testing.T) {
	if PromptStyleFor(config.ProfileGeneric) != PromptPlain {
		t.Error("generic profile should use the plain prompt")
	}
	if PromptStyleFor(config.ProfileMailserver) != PromptExpert {
		t.Error("mailserver profile should use the expert prompt")
	}
	if PromptStyleFor(config.ProfileProtonMail) != PromptExpert {
		t.Error("protonmail profile should use the expert prompt")
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  Réponse.  ", "Réponse."},
		{"echoed prompt", "<s>[INST] Question ? [/INST] Réponse.</s>", "Réponse."},
		{"multiline echo", "[INST] ligne 1\nligne 2 [/INST]\nRéponse", "Réponse"},
		{"blank lines", "Un.\n\n\n\nDeux.\n \n\t\nTrois.", "Un.\n\nDeux.\n\nTrois."},
		{"two newlines kept", "Un.\n\nDeux.", "Un.\n\nDeux."},
		{"only markers", "<s></s>", ""},
		{"nested markers", "<<s>s>Réponse", "Réponse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClean_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"Réponse simple",
		"<s>[INST] q [/INST] a </s>",
		"[IN[INST]x[/INST]ST] reste [/INST] fin",
		"<</s>/s> texte",
		"a\n \n \n \n b\n\n\n\nc",
		"\n\n\n[INST]\n\n\n[/INST]\n\n\n",
		"Article L3141-3 :\n\n\n\n- 2,5 jours ouvrables par mois\n\n",
	}
	for _, in := range inputs {
		once := Clean(in)
		if twice := Clean(once); twice != once {
			t.Errorf("Clean not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestChatParams(t *testing.T) {
	p := ChatParams("cuda", 2048, nil)
	if p.MaxNewTokens != 512 || p.Temperature != 0.7 || p.TopP != 0.9 || p.TopK != 50 || p.RepetitionPenalty != 1.1 {
		t.Errorf("ChatParams(cuda) = %+v", p)
	}
	if p.MaxInputTokens != 1024 || !p.DoSample {
		t.Errorf("ChatParams input budget = %d, sample = %v", p.MaxInputTokens, p.DoSample)
	}
	if cpu := ChatParams("cpu", 2048, nil); cpu.MaxNewTokens != 256 {
		t.Errorf("ChatParams(cpu).MaxNewTokens = %d, want 256", cpu.MaxNewTokens)
	}
}

func TestMailParams(t *testing.T) {
	seed := int64(7)
	p := MailParams(config.Default().Email.Generation, 2048, &seed)
	if p.MaxNewTokens != 1500 || p.Temperature != 0.3 || p.TopP != 0.95 || p.RepetitionPenalty != 1.15 {
		t.Errorf("MailParams = %+v", p)
	}
	if p.NoRepeatNgramSize != 3 || !p.EarlyStopping {
		t.Errorf("MailParams beam settings = %d/%v", p.NoRepeatNgramSize, p.EarlyStopping)
	}
	if p.Seed == nil || *p.Seed != 7 {
		t.Errorf("Seed = %v, want 7", p.Seed)
	}
}

// fakeBackend is an in-memory Backend.
type fakeBackend struct {
	mu        sync.Mutex
	loadErr   map[string]error
	loadGate  chan struct{}
	loads     []string
	reply     string
	genErr    error
	prompts   []string
	generated []string
}

func (f *fakeBackend) Name() string                   { return "fake" }
func (f *fakeBackend) Ping(ctx context.Context) error { return nil }

func (f *fakeBackend) Load(ctx context.Context, model string) error {
	if f.loadGate != nil {
		<-f.loadGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, model)
	return f.loadErr[model]
}

func (f *fakeBackend) Generate(ctx context.Context, model, prompt string, p Params) (Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.generated = append(f.generated, model)
	if f.genErr != nil {
		return Completion{}, f.genErr
	}
	return Completion{Text: f.reply, OutputTokens: 12}, nil
}

func TestModel_EnsureLoadedOnce(t *testing.T) {
	b := &fakeBackend{}
	var changes []bool
	m := NewModel(ModelConfig{Backend: b, Name: "ft", OnChange: func(l bool) { changes = append(changes, l) }})

	if m.Loaded() {
		t.Fatal("new model should not be loaded")
	}
	for range 3 {
		if err := m.EnsureLoaded(context.Background()); err != nil {
			t.Fatalf("EnsureLoaded error: %v", err)
		}
	}
	if len(b.loads) != 1 {
		t.Errorf("backend loads = %d, want 1", len(b.loads))
	}
	if !m.Loaded() || !m.FineTuned() || m.Active() != "ft" {
		t.Errorf("state after load: loaded=%v fineTuned=%v active=%q", m.Loaded(), m.FineTuned(), m.Active())
	}
	if len(changes) != 1 || !changes[0] {
		t.Errorf("OnChange calls = %v, want [true]", changes)
	}
}

func TestModel_ConcurrentCallerSeesLoading(t *testing.T) {
	b := &fakeBackend{loadGate: make(chan struct{})}
	m := NewModel(ModelConfig{Backend: b, Name: "ft"})

	done := make(chan error)
	go func() { done <- m.EnsureLoaded(context.Background()) }()

	for !m.Loading() {
		time.Sleep(time.Millisecond)
	}
	if err := m.EnsureLoaded(context.Background()); !errors.Is(err, ErrLoading) {
		t.Errorf("second EnsureLoaded = %v, want ErrLoading", err)
	}
	close(b.loadGate)
	if err := <-done; err != nil {
		t.Fatalf("first EnsureLoaded error: %v", err)
	}
	if len(b.loads) != 1 {
		t.Errorf("backend loads = %d, want 1", len(b.loads))
	}
}

func TestModel_LoadFailureLeavesUnloaded(t *testing.T) {
	b := &fakeBackend{loadErr: map[string]error{"ft": errors.New("out of memory")}}
	m := NewModel(ModelConfig{Backend: b, Name: "ft"})

	err := m.EnsureLoaded(context.Background())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || loadErr.Model != "ft" {
		t.Fatalf("EnsureLoaded = %v, want *LoadError for ft", err)
	}
	if m.Loaded() || m.Loading() {
		t.Error("failed load should leave the model unloaded")
	}
	if _, err := m.Generate(context.Background(), "p", Params{}); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Generate before load = %v, want ErrNotLoaded", err)
	}
}

func TestModel_FallsBackToBaseModel(t *testing.T) {
	b := &fakeBackend{loadErr: map[string]error{"ft": errors.New("adapter missing")}, reply: "ok"}
	m := NewModel(ModelConfig{Backend: b, Name: "ft", BaseModel: "base"})

	if err := m.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("EnsureLoaded error: %v", err)
	}
	if m.FineTuned() || m.Active() != "base" {
		t.Errorf("active = %q fineTuned = %v, want base/false", m.Active(), m.FineTuned())
	}
	if _, err := m.Generate(context.Background(), "p", Params{}); err != nil {
		t.Fatal(err)
	}
	if b.generated[0] != "base" {
		t.Errorf("generated with %q, want base", b.generated[0])
	}
}

func TestAnswerer_Answer(t *testing.T) {
	b := &fakeBackend{reply: "Vous avez droit à 2,5 jours par mois.\n\n\n\nArticle L3141-3.</s>"}
	a := &Answerer{
		Model:   NewModel(ModelConfig{Backend: b, Name: "ft"}),
		Style:   PromptPlain,
		Params:  ChatParams("cuda", 2048, nil),
		Channel: "telegram",
	}

	got := a.Answer(WithRequestID(context.Background(), "req-1"), "Combien de congés ?")
	want := "Vous avez droit à 2,5 jours par mois.\n\nArticle L3141-3."
	if got != want {
		t.Errorf("Answer = %q, want %q", got, want)
	}
	if b.prompts[0] != "<s>[INST] Combien de congés ? [/INST]" {
		t.Errorf("prompt = %q", b.prompts[0])
	}
}

func TestAnswerer_OnAnswer(t *testing.T) {
	b := &fakeBackend{reply: "Oui."}
	var channel string
	var tokens int
	a := &Answerer{
		Model:    NewModel(ModelConfig{Backend: b, Name: "ft"}),
		Channel:  "email",
		OnAnswer: func(c string, n int) { channel, tokens = c, n },
	}
	a.Answer(context.Background(), "question")
	if channel != "email" || tokens != 12 {
		t.Errorf("OnAnswer got (%q, %d), want (email, 12)", channel, tokens)
	}

	b.genErr = errors.New("boom")
	channel = ""
	a.Answer(context.Background(), "question")
	if channel != "" {
		t.Error("OnAnswer called for a failed generation")
	}
}

func TestAnswerer_EmptyOutputUsesFallback(t *testing.T) {
	b := &fakeBackend{reply: "  <s> [INST] echo [/INST] \n\n"}
	a := &Answerer{Model: NewModel(ModelConfig{Backend: b, Name: "ft"}), Channel: "email"}

	if got := a.Answer(context.Background(), "question"); got != FallbackAnswer {
		t.Errorf("Answer = %q, want fallback", got)
	}
}

func TestAnswerer_GenerationErrorBecomesMessage(t *testing.T) {
	b := &fakeBackend{genErr: errors.New("connection reset")}
	a := &Answerer{Model: NewModel(ModelConfig{Backend: b, Name: "ft"}), Channel: "email"}

	got := a.Answer(context.Background(), "question")
	if !strings.HasPrefix(got, "❌ Erreur lors de la génération de la réponse:") {
		t.Errorf("Answer = %q, want generation error message", got)
	}
	_, err := a.TryAnswer(context.Background(), "question")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Errorf("TryAnswer error = %v, want *GenerationError", err)
	}
}

func TestAnswerer_LoadErrorBecomesMessage(t *testing.T) {
	b := &fakeBackend{loadErr: map[string]error{"ft": errors.New("no such model")}}
	a := &Answerer{Model: NewModel(ModelConfig{Backend: b, Name: "ft"}), Channel: "telegram"}

	if got := a.Answer(context.Background(), "question"); got != NotLoadedMessage {
		t.Errorf("Answer = %q, want %q", got, NotLoadedMessage)
	}
}

func TestRequestID(t *testing.T) {
	if RequestID(context.Background()) != "" {
		t.Error("RequestID of bare context should be empty")
	}
	if got := RequestID(WithRequestID(context.Background(), "abc")); got != "abc" {
		t.Errorf("RequestID = %q, want abc", got)
	}
}
