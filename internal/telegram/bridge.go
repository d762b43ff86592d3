package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/colonylab/codetravail-bot/internal/generate"
	"github.com/colonylab/codetravail-bot/internal/metrics"
	"github.com/colonylab/codetravail-bot/internal/sysinfo"
)

// Model is the lazily loaded model handle. *generate.Model implements
// it.
type Model interface {
	Loaded() bool
	Loading() bool
	FineTuned() bool
	EnsureLoaded(ctx context.Context) error
}

// Answerer turns a question into the text sent back. *generate.Answerer
// implements it.
type Answerer interface {
	Answer(ctx context.Context, question string) string
}

// Stats reads the host resources shown by /status. *sysinfo.Probe
// implements it.
type Stats interface {
	Memory() (sysinfo.Memory, error)
	Disk(path string) (sysinfo.Disk, error)
	CPUPercent(ctx context.Context, interval time.Duration) (float64, error)
	GPUs(ctx context.Context) ([]sysinfo.GPU, error)
}

const (
	// maxMessageLength is the Bot API limit, in UTF-16 code units.
	maxMessageLength = 4096

	// handleTimeout bounds one update, generation included.
	handleTimeout = 10 * time.Minute

	rateWindow      = time.Minute
	cleanupInterval = 10 * time.Minute

	defaultPollTimeout = 30 * time.Second
	defaultRetryDelay  = 5 * time.Second
)

// Texts sent to users.
const (
	welcomeText = "👋 Bonjour ! Je suis votre assistant virtuel spécialisé dans le Code du Travail français.\n\n" +
		"💼 Posez-moi vos questions sur le droit du travail, les congés, les contrats, " +
		"les procédures de licenciement, et bien plus encore !\n\n" +
		"📝 **Commandes disponibles:**\n" +
		"/start - Afficher ce message\n" +
		"/help - Aide et informations\n" +
		"/status - État du système\n\n" +
		"✨ Envoyez-moi simplement votre question et je vous répondrai !"

	helpText = "🆘 **Aide - Bot Code du Travail**\n\n" +
		"Ce bot utilise un modèle Mistral 7B fine-tuné spécialement pour répondre " +
		"aux questions sur le Code du Travail français.\n\n" +
		"📋 **Comment utiliser le bot:**\n" +
		"• Posez vos questions directement\n" +
		"• Soyez précis dans vos demandes\n" +
		"• Le bot peut traiter des sujets comme:\n" +
		"  - Contrats de travail\n" +
		"  - Congés et RTT\n" +
		"  - Licenciements\n" +
		"  - Temps de travail\n" +
		"  - Salaires et primes\n" +
		"  - Relations sociales\n\n" +
		"⚠️ **Avertissement:** Les réponses sont fournies à titre informatif. " +
		"Pour des conseils juridiques précis, consultez un avocat spécialisé."

	startLoadingText = "🔄 Chargement du modèle en cours, veuillez patienter..."
	startLoadedText  = "✅ Modèle chargé ! Vous pouvez maintenant poser vos questions."
	loadingText      = "🔄 Chargement du modèle..."
	loadedText       = "✅ Modèle chargé !"
	loadFailedText   = "❌ Erreur lors du chargement du modèle: %v"
	statusFailedText = "❌ Erreur lors de la récupération des informations système: %v"
	sendFailedText   = "❌ Désolé, une erreur s'est produite lors de l'envoi de la réponse."
	rateLimitedText  = "⏳ Vous avez envoyé trop de questions. Merci de patienter une minute avant de réessayer."
)

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client   *Client
	Model    Model
	Answerer Answerer
	Stats    Stats
	// Device is the resolved inference device shown by /status.
	Device string
	Logger *slog.Logger
	// RateLimit is questions per user per minute; 0 = unlimited.
	RateLimit int
	// PollTimeout is the getUpdates long-poll wait.
	PollTimeout time.Duration
	// RetryDelay is the pause after a failed getUpdates.
	RetryDelay time.Duration
}

// Bridge receives chat messages and answers them one at a time.
type Bridge struct {
	client      *Client
	model       Model
	answerer    Answerer
	stats       Stats
	device      string
	logger      *slog.Logger
	rateLimit   int
	pollTimeout time.Duration
	retryDelay  time.Duration

	offset int64

	mu          sync.Mutex
	senderTimes map[int64][]time.Time
	lastCleanup time.Time
	now         func() time.Time
}

// NewBridge creates a chat bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		client:      cfg.Client,
		model:       cfg.Model,
		answerer:    cfg.Answerer,
		stats:       cfg.Stats,
		device:      cfg.Device,
		logger:      logger,
		rateLimit:   cfg.RateLimit,
		pollTimeout: cfg.PollTimeout,
		retryDelay:  cfg.RetryDelay,
		senderTimes: make(map[int64][]time.Time),
		now:         time.Now,
	}
	if b.pollTimeout <= 0 {
		b.pollTimeout = defaultPollTimeout
	}
	if b.retryDelay <= 0 {
		b.retryDelay = defaultRetryDelay
	}
	return b
}

// Start polls for updates and handles them until ctx is cancelled. An
// update being handled when ctx ends is finished before Start returns.
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info("telegram bridge started", "poll_timeout", b.pollTimeout)
	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram bridge shutting down")
			return nil
		}
		if err := b.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Warn("telegram poll failed", "error", err, "retry_in", b.retryDelay)
			timer := time.NewTimer(b.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// PollOnce fetches one batch of updates and handles each in order.
func (b *Bridge) PollOnce(ctx context.Context) error {
	updates, err := b.client.GetUpdates(ctx, b.offset, b.pollTimeout)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.UpdateID >= b.offset {
			b.offset = u.UpdateID + 1
		}
		b.handleUpdate(context.WithoutCancel(ctx), u)
	}
	return nil
}

func (b *Bridge) handleUpdate(ctx context.Context, u Update) {
	m := u.Message
	if m == nil || strings.TrimSpace(m.Text) == "" {
		metrics.RecordChatMessage("ignored")
		return
	}
	if m.From != nil && m.From.IsBot {
		metrics.RecordChatMessage("ignored")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if cmd, ok := command(m.Text); ok {
		metrics.RecordChatMessage("command")
		b.logger.Info("telegram command received", "command", cmd, "chat_id", m.Chat.ID)
		switch cmd {
		case "start":
			b.handleStart(ctx, m)
		case "help":
			b.send(ctx, m.Chat.ID, helpText, ParseModeMarkdown, 0)
		case "status":
			b.send(ctx, m.Chat.ID, b.statusText(ctx), ParseModeMarkdown, 0)
		default:
			b.logger.Debug("telegram ignoring unknown command", "command", cmd)
		}
		return
	}
	b.handleQuestion(ctx, m)
}

// command extracts the command name from "/name@bot args".
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text[1:])
	if len(name) == 0 {
		return "", false
	}
	cmd, _, _ := strings.Cut(name[0], "@")
	return strings.ToLower(cmd), true
}

func (b *Bridge) handleStart(ctx context.Context, m *Message) {
	b.send(ctx, m.Chat.ID, welcomeText, ParseModeMarkdown, 0)
	if b.model.Loaded() || b.model.Loading() {
		return
	}
	b.send(ctx, m.Chat.ID, startLoadingText, ParseModeNone, 0)
	if err := b.model.EnsureLoaded(ctx); err != nil {
		b.send(ctx, m.Chat.ID, fmt.Sprintf(loadFailedText, err), ParseModeNone, 0)
		return
	}
	b.send(ctx, m.Chat.ID, startLoadedText, ParseModeNone, 0)
}

func (b *Bridge) handleQuestion(ctx context.Context, m *Message) {
	chatID := m.Chat.ID
	userID := chatID
	if m.From != nil {
		userID = m.From.ID
	}

	if !b.allowSender(userID) {
		metrics.RecordChatMessage("rate_limited")
		b.logger.Warn("telegram message rate-limited", "user_id", userID)
		b.send(ctx, chatID, rateLimitedText, ParseModeNone, m.MessageID)
		return
	}
	metrics.RecordChatMessage("question")

	reqID := uuid.NewString()
	ctx = generate.WithRequestID(ctx, reqID)
	logger := b.logger.With("request_id", reqID, "chat_id", chatID, "user_id", userID)
	logger.Info("telegram question received", "question_chars", len([]rune(m.Text)))

	if b.model.Loading() {
		b.send(ctx, chatID, generate.LoadingMessage, ParseModeNone, m.MessageID)
		return
	}
	if !b.model.Loaded() {
		b.send(ctx, chatID, loadingText, ParseModeNone, 0)
		err := b.model.EnsureLoaded(ctx)
		switch {
		case errors.Is(err, generate.ErrLoading):
			b.send(ctx, chatID, generate.LoadingMessage, ParseModeNone, m.MessageID)
			return
		case err != nil:
			b.send(ctx, chatID, fmt.Sprintf(loadFailedText, err), ParseModeNone, 0)
			return
		}
		b.send(ctx, chatID, loadedText, ParseModeNone, 0)
	}

	if err := b.client.SendChatAction(ctx, chatID, "typing"); err != nil {
		logger.Debug("telegram typing indicator failed", "error", err)
	}

	answer := b.answerer.Answer(ctx, m.Text)

	for _, part := range splitMessage(answer, maxMessageLength) {
		if _, err := b.client.SendMessage(ctx, chatID, part, ParseModeNone, m.MessageID); err != nil {
			metrics.RecordChatMessage("send_failed")
			logger.Error("telegram reply send failed", "error", err)
			b.send(ctx, chatID, sendFailedText, ParseModeNone, 0)
			return
		}
	}
	logger.Info("telegram reply sent", "answer_chars", len([]rune(answer)))
}

// send is best-effort: failures are logged.
func (b *Bridge) send(ctx context.Context, chatID int64, text, parseMode string, replyTo int64) {
	if _, err := b.client.SendMessage(ctx, chatID, text, parseMode, replyTo); err != nil {
		b.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bridge) statusText(ctx context.Context) string {
	cpu, err := b.stats.CPUPercent(ctx, time.Second)
	if err != nil {
		return fmt.Sprintf(statusFailedText, err)
	}
	mem, err := b.stats.Memory()
	if err != nil {
		return fmt.Sprintf(statusFailedText, err)
	}
	disk, err := b.stats.Disk("/")
	if err != nil {
		return fmt.Sprintf(statusFailedText, err)
	}

	var sb strings.Builder
	sb.WriteString("📊 **Informations système:**\n\n")
	fmt.Fprintf(&sb, "🖥️ CPU: %.1f%%\n", cpu)
	fmt.Fprintf(&sb, "💾 RAM: %.1f%% (%.1fGB / %.1fGB)\n", mem.Percent, gb(mem.Used), gb(mem.Total))
	fmt.Fprintf(&sb, "💿 Disque: %.1f%% (%.1fGB / %.1fGB)\n", disk.Percent, gb(disk.Used), gb(disk.Total))
	fmt.Fprintf(&sb, "🔧 Device: %s\n", b.device)
	if b.device == "cuda" {
		if gpus, err := b.stats.GPUs(ctx); err == nil && len(gpus) > 0 {
			g := gpus[0]
			fmt.Fprintf(&sb, "🎮 GPU: %.1fGB / %.1fGB\n", g.MemoryUsedMB/1024, g.MemoryTotalMB/1024)
		}
	}
	model := "Non chargé"
	switch {
	case b.model.Loaded() && b.model.FineTuned():
		model = "LoRA Fine-tuné"
	case b.model.Loaded():
		model = "Base Model"
	}
	fmt.Fprintf(&sb, "🤖 Modèle: %s\n", model)
	return sb.String()
}

func gb(b uint64) float64 { return float64(b) / (1 << 30) }

// allowSender applies the per-user sliding window.
func (b *Bridge) allowSender(userID int64) bool {
	if b.rateLimit <= 0 {
		return true
	}
	now := b.now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[userID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= b.rateLimit {
		b.senderTimes[userID] = valid
		return false
	}
	b.senderTimes[userID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts idle users. Must be called with b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now
	cutoff := now.Add(-2 * rateWindow)
	for id, timestamps := range b.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, id)
		}
	}
}

// splitMessage cuts text into chunks of at most limit UTF-16 code units,
// preferring to break after a newline, then after a space.
func splitMessage(text string, limit int) []string {
	var parts []string
	for utf16Len(text) > limit {
		runes := []rune(text)
		n, units := 0, 0
		for n < len(runes) {
			w := utf16.RuneLen(runes[n])
			if w < 0 {
				w = 1
			}
			if units+w > limit {
				break
			}
			units += w
			n++
		}
		head := string(runes[:n])
		cut := strings.LastIndex(head, "\n")
		if cut <= 0 {
			cut = strings.LastIndex(head, " ")
		}
		if cut <= 0 {
			cut = len(head)
		} else {
			cut++
		}
		parts = append(parts, strings.TrimRight(head[:cut], " \n"))
		text = text[cut:]
	}
	if text != "" || len(parts) == 0 {
		parts = append(parts, text)
	}
	return parts
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		w := utf16.RuneLen(r)
		if w < 0 {
			w = 1
		}
		n += w
	}
	return n
}
