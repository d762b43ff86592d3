// Package config handles configuration loading for the Code du Travail
// bots. Settings come from built-in defaults, an optional YAML file, an
// optional .env file, and finally the process environment, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LookupFunc resolves an environment variable. It has the signature of
// [os.LookupEnv] so tests can substitute a map.
type LookupFunc func(key string) (string, bool)

// Mode selects which delivery channels the runner starts.
type Mode string

// Supported runner modes.
const (
	ModeTelegram Mode = "telegram"
	ModeEmail    Mode = "email"
	ModeBoth     Mode = "both"
)

// ParseMode converts a --mode argument to a [Mode].
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTelegram:
		return ModeTelegram, nil
	case ModeEmail:
		return ModeEmail, nil
	case ModeBoth:
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("unknown mode %q (valid: telegram, email, both)", s)
	}
}

// Mail transport profiles. They only differ in connection defaults and
// in the wording of the prompt and the reply footer.
const (
	ProfileGeneric    = "generic"
	ProfileMailserver = "mailserver"
	ProfileProtonMail = "protonmail"
)

// Connection security modes for IMAP and SMTP.
const (
	SecurityTLS      = "tls"
	SecuritySTARTTLS = "starttls"
	SecurityPlain    = "plain"
)

// Processed-set backends.
const (
	DedupMemory = "memory"
	DedupSQLite = "sqlite"
	DedupRedis  = "redis"
)

// Inference backends.
const (
	BackendOllama = "ollama"
	BackendTGI    = "tgi"
)

// Default values shared by the loader and by documentation output.
const (
	DefaultModelName  = "Pyzeur/Code-du-Travail-mistral-finetune"
	DefaultSignature  = "Assistant IA Code du Travail - ColonyLab"
	DefaultDisclaimer = "Cette réponse est fournie à titre informatif uniquement. " +
		"Pour des conseils juridiques précis et personnalisés, " +
		"consultez un avocat spécialisé en droit du travail."
)

// Error reports a missing or malformed setting. It is the fatal
// configuration error class: the runner aborts before any network
// connection when Load or Validate returns one.
type Error struct {
	// Var is the environment variable (or YAML key) at fault.
	Var string
	// Msg describes the problem.
	Msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Var, e.Msg)
}

// Config holds all bot configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
	Model    ModelConfig    `yaml:"model"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Log      LogConfig      `yaml:"log"`
	MQTT     MQTTConfig     `yaml:"mqtt"`

	// PIDFile is written by the runner and read by the health and
	// monitor commands.
	PIDFile string `yaml:"pid_file"`

	// MetricsAddr enables the Prometheus endpoint when non-empty
	// (e.g., ":9464").
	MetricsAddr string `yaml:"metrics_addr"`

	// DataDir holds the SQLite processed set and the MQTT instance id.
	DataDir string `yaml:"data_dir"`
}

// TelegramConfig holds chat bot settings.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	APIURL string `yaml:"api_url"`
	// RateLimit is the number of questions accepted per user per
	// minute. Zero disables limiting.
	RateLimit int `yaml:"rate_limit"`
}

// ServerConfig describes one mail server endpoint.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Security is one of "tls", "starttls" or "plain". Empty means
	// derive it from the port.
	Security           string `yaml:"security"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// GenerationConfig holds the mail generation parameters exposed to
// operators.
type GenerationConfig struct {
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
	TopK              int     `yaml:"top_k"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
}

// EmailConfig holds mail bot settings.
type EmailConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Domain   string `yaml:"domain"`
	Profile  string `yaml:"profile"`
	Mailbox  string `yaml:"mailbox"`

	IMAP ServerConfig `yaml:"imap"`
	SMTP ServerConfig `yaml:"smtp"`

	CheckIntervalSec int  `yaml:"check_interval"`
	ErrorBackoffSec  int  `yaml:"error_backoff"`
	MinBodyLength    int  `yaml:"min_body_length"`
	MarkSeen         bool `yaml:"mark_seen"`

	Signature  string `yaml:"signature"`
	Disclaimer string `yaml:"disclaimer"`

	Generation GenerationConfig `yaml:"generation"`
}

// ModelConfig describes the inference backend.
type ModelConfig struct {
	Name string `yaml:"name"`
	// BaseModel is loaded instead when Name fails to load. Empty
	// disables the fallback.
	BaseModel string `yaml:"base_model"`
	Device    string `yaml:"device"`
	Backend   string `yaml:"backend"`
	URL       string `yaml:"url"`
	// MaxLength is the prompt token budget for mail; chat uses half.
	MaxLength int    `yaml:"max_length"`
	HFToken   string `yaml:"hugging_face_token"`
	// Seed, when non-nil, fixes the sampling seed.
	Seed *int64 `yaml:"seed"`
}

// DedupConfig selects where processed-email fingerprints are kept.
type DedupConfig struct {
	Store         string `yaml:"store"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSec        int    `yaml:"ttl"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MQTTConfig enables the status sensor publisher when Broker is set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Default returns the built-in configuration, matching the values the
// bots have always shipped with.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{APIURL: "https://api.telegram.org"},
		Email: EmailConfig{
			Profile:          ProfileMailserver,
			Mailbox:          "INBOX",
			CheckIntervalSec: 30,
			ErrorBackoffSec:  60,
			MinBodyLength:    10,
			MarkSeen:         true,
			Signature:        DefaultSignature,
			Disclaimer:       DefaultDisclaimer,
			Generation: GenerationConfig{
				MaxTokens:         1500,
				Temperature:       0.3,
				TopP:              0.95,
				TopK:              50,
				RepetitionPenalty: 1.15,
			},
		},
		Model: ModelConfig{
			Name:      DefaultModelName,
			Device:    "auto",
			Backend:   BackendOllama,
			URL:       "http://localhost:11434",
			MaxLength: 2048,
		},
		Dedup: DedupConfig{
			Store:     DedupMemory,
			RedisAddr: "localhost:6379",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       filepath.Join("logs", "bot.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		MQTT: MQTTConfig{
			DeviceName:         "codetravail",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		PIDFile: "bot.pid",
		DataDir: "data",
	}
}

// LoadOptions tells [Load] where to look.
type LoadOptions struct {
	// Path is an optional YAML file. Empty falls back to CONFIG_FILE
	// and then to [FindConfig]'s search paths; no file is fine.
	Path string
	// EnvFile is a dotenv file. Empty means ".env" in the working
	// directory, silently skipped when absent.
	EnvFile string
	// Lookup resolves environment variables. Nil means os.LookupEnv.
	Lookup LookupFunc
}

// Load builds the configuration from defaults, the YAML file, the
// dotenv file and the environment. It does not validate required
// settings; call [Config.Validate] with the runner mode for that.
func Load(opts LoadOptions) (*Config, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	envFile := opts.EnvFile
	explicitEnv := envFile != ""
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil {
		if explicitEnv || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
		dotenv = nil
	}
	lookup = withFallback(lookup, dotenv)

	cfg := Default()

	path := opts.Path
	if path == "" {
		path, _ = lookup("CONFIG_FILE")
	}
	path, err = FindConfig(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.loadYAML(path, lookup); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// withFallback consults the real environment first and the dotenv
// values second, so a .env file never overrides an exported variable.
func withFallback(primary LookupFunc, fallback map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "codetravail", "config.yaml"))
	}
	return append(paths, "/etc/codetravail/config.yaml")
}

// FindConfig locates the optional YAML file. An explicit path must
// exist. Otherwise the first existing entry of [DefaultSearchPaths] is
// returned, or "" when there is none.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", &Error{Var: "CONFIG_FILE", Msg: fmt.Sprintf("file not found: %s", explicit)}
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func (c *Config) loadYAML(path string, lookup LookupFunc) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := os.Expand(string(data), func(key string) string {
		v, _ := lookup(key)
		return v
	})
	return yaml.Unmarshal([]byte(expanded), c)
}

// envReader accumulates parse errors while copying variables into the
// config, so every malformed variable is reported at once.
type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, &Error{Var: key, Msg: fmt.Sprintf("must be an integer, got %q", v)})
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, &Error{Var: key, Msg: fmt.Sprintf("must be a number, got %q", v)})
		return
	}
	*dst = f
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, &Error{Var: key, Msg: fmt.Sprintf("must be true or false, got %q", v)})
		return
	}
	*dst = b
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	r.str("TELEGRAM_API_URL", &c.Telegram.APIURL)
	r.integer("TELEGRAM_RATE_LIMIT", &c.Telegram.RateLimit)

	e := &c.Email
	r.str("EMAIL_ADDRESS", &e.Address)
	r.str("EMAIL_PASSWORD", &e.Password)
	r.str("EMAIL_DOMAIN", &e.Domain)
	r.str("EMAIL_PROFILE", &e.Profile)
	e.Profile = strings.ToLower(e.Profile)
	r.str("EMAIL_MAILBOX", &e.Mailbox)
	r.str("IMAP_HOST", &e.IMAP.Host)
	r.integer("IMAP_PORT", &e.IMAP.Port)
	r.str("IMAP_SECURITY", &e.IMAP.Security)
	r.boolean("IMAP_INSECURE_SKIP_VERIFY", &e.IMAP.InsecureSkipVerify)
	r.str("SMTP_HOST", &e.SMTP.Host)
	r.integer("SMTP_PORT", &e.SMTP.Port)
	r.str("SMTP_SECURITY", &e.SMTP.Security)
	r.boolean("SMTP_INSECURE_SKIP_VERIFY", &e.SMTP.InsecureSkipVerify)
	if e.Profile == ProfileProtonMail {
		r.str("PROTONMAIL_IMAP_HOST", &e.IMAP.Host)
		r.integer("PROTONMAIL_IMAP_PORT", &e.IMAP.Port)
		r.str("PROTONMAIL_SMTP_HOST", &e.SMTP.Host)
		r.integer("PROTONMAIL_SMTP_PORT", &e.SMTP.Port)
	}
	r.integer("EMAIL_CHECK_INTERVAL", &e.CheckIntervalSec)
	r.integer("EMAIL_ERROR_BACKOFF", &e.ErrorBackoffSec)
	r.integer("EMAIL_MIN_BODY_LENGTH", &e.MinBodyLength)
	r.boolean("EMAIL_MARK_SEEN", &e.MarkSeen)
	r.str("EMAIL_SIGNATURE", &e.Signature)
	r.str("EMAIL_DISCLAIMER", &e.Disclaimer)
	r.integer("EMAIL_MAX_TOKENS", &e.Generation.MaxTokens)
	r.float("EMAIL_TEMPERATURE", &e.Generation.Temperature)
	r.float("EMAIL_TOP_P", &e.Generation.TopP)
	r.integer("EMAIL_TOP_K", &e.Generation.TopK)
	r.float("EMAIL_REPETITION_PENALTY", &e.Generation.RepetitionPenalty)

	m := &c.Model
	r.str("MODEL_NAME", &m.Name)
	r.str("BASE_MODEL_NAME", &m.BaseModel)
	r.str("DEVICE", &m.Device)
	m.Device = strings.ToLower(m.Device)
	r.str("INFERENCE_BACKEND", &m.Backend)
	m.Backend = strings.ToLower(m.Backend)
	r.str("INFERENCE_URL", &m.URL)
	r.integer("MAX_LENGTH", &m.MaxLength)
	r.str("HUGGING_FACE_TOKEN", &m.HFToken)
	if v, ok := r.get("GENERATION_SEED"); ok {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, &Error{Var: "GENERATION_SEED", Msg: fmt.Sprintf("must be an integer, got %q", v)})
		} else {
			m.Seed = &seed
		}
	}

	d := &c.Dedup
	r.str("DEDUP_STORE", &d.Store)
	d.Store = strings.ToLower(d.Store)
	r.str("DEDUP_PATH", &d.Path)
	r.str("REDIS_ADDR", &d.RedisAddr)
	r.str("REDIS_PASSWORD", &d.RedisPassword)
	r.integer("REDIS_DB", &d.RedisDB)
	r.integer("DEDUP_TTL", &d.TTLSec)

	r.str("LOG_LEVEL", &c.Log.Level)
	r.str("LOG_FORMAT", &c.Log.Format)
	r.str("LOG_FILE", &c.Log.File)
	r.integer("LOG_MAX_SIZE_MB", &c.Log.MaxSizeMB)
	r.integer("LOG_MAX_BACKUPS", &c.Log.MaxBackups)

	r.str("MQTT_BROKER", &c.MQTT.Broker)
	r.str("MQTT_USERNAME", &c.MQTT.Username)
	r.str("MQTT_PASSWORD", &c.MQTT.Password)
	r.str("MQTT_DEVICE_NAME", &c.MQTT.DeviceName)
	r.str("MQTT_DISCOVERY_PREFIX", &c.MQTT.DiscoveryPrefix)
	r.integer("MQTT_PUBLISH_INTERVAL", &c.MQTT.PublishIntervalSec)

	r.str("PID_FILE", &c.PIDFile)
	r.str("METRICS_ADDR", &c.MetricsAddr)
	r.str("DATA_DIR", &c.DataDir)

	return errors.Join(r.errs...)
}

// ApplyDefaults fills connection settings that depend on the profile
// and derives the security mode from the port when it is not set.
func (c *Config) ApplyDefaults() {
	e := &c.Email
	if e.Profile == "" {
		e.Profile = ProfileMailserver
	}

	imapHost, imapPort, smtpHost, smtpPort := "localhost", 993, "localhost", 587
	switch e.Profile {
	case ProfileGeneric:
		imapHost, smtpHost = "imap.gmail.com", "smtp.gmail.com"
	case ProfileProtonMail:
		imapHost, imapPort, smtpHost, smtpPort = "127.0.0.1", 1143, "127.0.0.1", 1025
	}
	if e.IMAP.Host == "" {
		e.IMAP.Host = imapHost
	}
	if e.IMAP.Port == 0 {
		e.IMAP.Port = imapPort
	}
	if e.SMTP.Host == "" {
		e.SMTP.Host = smtpHost
	}
	if e.SMTP.Port == 0 {
		e.SMTP.Port = smtpPort
	}

	e.IMAP.Security = strings.ToLower(e.IMAP.Security)
	if e.IMAP.Security == "" {
		if e.IMAP.Port == 993 {
			e.IMAP.Security = SecurityTLS
		} else {
			e.IMAP.Security = SecuritySTARTTLS
		}
	}
	e.SMTP.Security = strings.ToLower(e.SMTP.Security)
	if e.SMTP.Security == "" {
		switch {
		case e.SMTP.Port == 465:
			e.SMTP.Security = SecurityTLS
		case e.SMTP.Port == 587, e.Profile != ProfileMailserver:
			e.SMTP.Security = SecuritySTARTTLS
		default:
			e.SMTP.Security = SecurityPlain
		}
	}

	// The Bridge listens on loopback with a self-signed certificate.
	if e.Profile == ProfileProtonMail {
		e.IMAP.InsecureSkipVerify = true
		e.SMTP.InsecureSkipVerify = true
	}

	if e.Mailbox == "" {
		e.Mailbox = "INBOX"
	}
	if c.Dedup.Path == "" {
		c.Dedup.Path = filepath.Join(c.DataDir, "processed.db")
	}
}

// ValidateTelegram checks the settings required by the chat bot.
func (c *Config) ValidateTelegram() error {
	if c.Telegram.Token == "" {
		return &Error{Var: "TELEGRAM_BOT_TOKEN", Msg: "is required for the Telegram bot"}
	}
	if c.Telegram.RateLimit < 0 {
		return &Error{Var: "TELEGRAM_RATE_LIMIT", Msg: "must not be negative"}
	}
	return nil
}

// ValidateEmail checks the settings required by the mail bot.
func (c *Config) ValidateEmail() error {
	e := c.Email
	var errs []error
	for _, req := range []struct{ name, value string }{
		{"EMAIL_ADDRESS", e.Address},
		{"EMAIL_PASSWORD", e.Password},
		{"EMAIL_DOMAIN", e.Domain},
	} {
		if req.value == "" {
			errs = append(errs, &Error{Var: req.name, Msg: "is required for the Email bot"})
		}
	}

	switch e.Profile {
	case ProfileGeneric, ProfileMailserver, ProfileProtonMail:
	default:
		errs = append(errs, &Error{Var: "EMAIL_PROFILE", Msg: fmt.Sprintf("unknown profile %q (valid: generic, mailserver, protonmail)", e.Profile)})
	}

	errs = append(errs, validateServer("IMAP", e.IMAP, SecurityTLS, SecuritySTARTTLS, SecurityPlain))
	errs = append(errs, validateServer("SMTP", e.SMTP, SecurityTLS, SecuritySTARTTLS, SecurityPlain))

	if e.CheckIntervalSec < 1 {
		errs = append(errs, &Error{Var: "EMAIL_CHECK_INTERVAL", Msg: "must be at least 1 second"})
	}
	if e.ErrorBackoffSec < 1 {
		errs = append(errs, &Error{Var: "EMAIL_ERROR_BACKOFF", Msg: "must be at least 1 second"})
	}
	if e.MinBodyLength < 0 {
		errs = append(errs, &Error{Var: "EMAIL_MIN_BODY_LENGTH", Msg: "must not be negative"})
	}

	g := e.Generation
	if g.MaxTokens < 1 {
		errs = append(errs, &Error{Var: "EMAIL_MAX_TOKENS", Msg: "must be positive"})
	}
	if g.Temperature <= 0 || g.Temperature > 2 {
		errs = append(errs, &Error{Var: "EMAIL_TEMPERATURE", Msg: "must be in (0, 2]"})
	}
	if g.TopP <= 0 || g.TopP > 1 {
		errs = append(errs, &Error{Var: "EMAIL_TOP_P", Msg: "must be in (0, 1]"})
	}
	if g.TopK < 0 {
		errs = append(errs, &Error{Var: "EMAIL_TOP_K", Msg: "must not be negative"})
	}
	if g.RepetitionPenalty <= 0 {
		errs = append(errs, &Error{Var: "EMAIL_REPETITION_PENALTY", Msg: "must be positive"})
	}

	switch c.Dedup.Store {
	case DedupMemory, DedupSQLite, DedupRedis:
	default:
		errs = append(errs, &Error{Var: "DEDUP_STORE", Msg: fmt.Sprintf("unknown store %q (valid: memory, sqlite, redis)", c.Dedup.Store)})
	}
	if c.Dedup.TTLSec < 0 {
		errs = append(errs, &Error{Var: "DEDUP_TTL", Msg: "must not be negative"})
	}

	return errors.Join(errs...)
}

func validateServer(prefix string, s ServerConfig, allowed ...string) error {
	if s.Host == "" {
		return &Error{Var: prefix + "_HOST", Msg: "must not be empty"}
	}
	if s.Port < 1 || s.Port > 65535 {
		return &Error{Var: prefix + "_PORT", Msg: fmt.Sprintf("%d out of range (1-65535)", s.Port)}
	}
	for _, a := range allowed {
		if s.Security == a {
			return nil
		}
	}
	return &Error{Var: prefix + "_SECURITY", Msg: fmt.Sprintf("unknown mode %q (valid: %s)", s.Security, strings.Join(allowed, ", "))}
}

// ValidateModel checks the inference settings shared by every mode.
func (c *Config) ValidateModel() error {
	m := c.Model
	var errs []error
	if m.Name == "" {
		errs = append(errs, &Error{Var: "MODEL_NAME", Msg: "must not be empty"})
	}
	switch m.Backend {
	case BackendOllama, BackendTGI:
	default:
		errs = append(errs, &Error{Var: "INFERENCE_BACKEND", Msg: fmt.Sprintf("unknown backend %q (valid: ollama, tgi)", m.Backend)})
	}
	if m.URL == "" {
		errs = append(errs, &Error{Var: "INFERENCE_URL", Msg: "must not be empty"})
	}
	switch m.Device {
	case "auto", "cpu", "cuda":
	default:
		errs = append(errs, &Error{Var: "DEVICE", Msg: fmt.Sprintf("unknown device %q (valid: auto, cpu, cuda)", m.Device)})
	}
	if m.MaxLength < 2 {
		errs = append(errs, &Error{Var: "MAX_LENGTH", Msg: "must be at least 2"})
	}
	return errors.Join(errs...)
}

// Validate checks everything the given mode needs.
func (c *Config) Validate(mode Mode) error {
	errs := []error{c.ValidateModel()}
	switch mode {
	case ModeTelegram:
		errs = append(errs, c.ValidateTelegram())
	case ModeEmail:
		errs = append(errs, c.ValidateEmail())
	case ModeBoth:
		errs = append(errs, c.ValidateTelegram(), c.ValidateEmail())
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", mode))
	}
	return errors.Join(errs...)
}
