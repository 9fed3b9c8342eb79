// Package notify throttles and delivers supervisor alerts. Alerts are
// typed into the supervisor's tmux window and can also go to a log file,
// a markdown inbox, or a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
	"github.com/EvanSchalton/tmux-orchestrator/internal/util"
)

// ErrSelfNotification is returned when an event's subject is its recipient.
var ErrSelfNotification = errors.New("refusing to notify a supervisor about itself")

// Event is one alert.
type Event struct {
	ID        string            `json:"id"`
	Category  Category          `json:"category"`
	Timestamp time.Time         `json:"timestamp"`
	Subject   tmux.Target       `json:"subject"`
	Name      string            `json:"name,omitempty"` // window name of the subject
	Recipient tmux.Target       `json:"recipient"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// Config holds notification configuration
type Config struct {
	Enabled bool `toml:"enabled"`

	// Routing configuration
	Primary  string              `toml:"primary"`  // Primary channel name
	Fallback string              `toml:"fallback"` // Fallback channel if primary fails
	Routing  map[string][]string `toml:"routing"`  // Category -> ordered channel list

	// Cooldowns overrides per-category cooldowns, in seconds.
	Cooldowns map[string]int `toml:"cooldowns"`

	Pane    PaneConfig    `toml:"pane"`
	Webhook WebhookConfig `toml:"webhook"`
	Log     LogConfig     `toml:"log"`
	FileBox FileBoxConfig `toml:"filebox"`
}

// PaneConfig configures delivery into the supervisor's window.
type PaneConfig struct {
	Enabled bool   `toml:"enabled"`
	Prefix  string `toml:"prefix"` // Prepended to every message
}

// WebhookConfig configures webhook notifications
type WebhookConfig struct {
	Enabled  bool              `toml:"enabled"`
	URL      string            `toml:"url"`
	Template string            `toml:"template"` // Go template for payload
	Method   string            `toml:"method"`   // HTTP method (default POST)
	Headers  map[string]string `toml:"headers"`
}

// LogConfig configures log file notifications
type LogConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Log file path
}

// FileBoxConfig configures file inbox for offline human review
type FileBoxConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Directory for inbox files
}

// DefaultConfig returns a default notification configuration
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Primary:  string(ChannelPane),
		Fallback: string(ChannelLog),
		Pane: PaneConfig{
			Enabled: true,
			Prefix:  "[tmux-orc]",
		},
		Webhook: WebhookConfig{
			Enabled:  false,
			Method:   "POST",
			Template: `{"text": "tmux-orc: {{.Category}} {{.Subject}} - {{jsonEscape .Message}}"}`,
		},
		Log: LogConfig{
			Enabled: true,
			Path:    "~/.local/state/tmux-orc/notifications.log",
		},
		FileBox: FileBoxConfig{
			Enabled: false,
			Path:    "~/.local/state/tmux-orc/inbox",
		},
	}
}

// CooldownTable merges configured overrides into DefaultCooldowns.
func (c Config) CooldownTable() map[Category]time.Duration {
	table := DefaultCooldowns()
	for k, v := range c.Cooldowns {
		table[Category(k)] = time.Duration(v) * time.Second
	}
	return table
}

// Validate checks routing references and cooldown keys.
func (c Config) Validate() error {
	var errs []error
	known := map[string]bool{}
	for _, ch := range allChannels {
		known[string(ch)] = true
	}
	check := func(where, name string) {
		if name != "" && !known[name] {
			errs = append(errs, fmt.Errorf("%s: unknown channel %q", where, name))
		}
	}
	check("primary", c.Primary)
	check("fallback", c.Fallback)
	for cat, chans := range c.Routing {
		for _, ch := range chans {
			check("routing."+cat, ch)
		}
	}

	cats := map[string]bool{}
	for _, cat := range AllCategories {
		cats[string(cat)] = true
	}
	for k, v := range c.Cooldowns {
		if !cats[k] {
			errs = append(errs, fmt.Errorf("cooldowns: unknown category %q", k))
		}
		if v < 0 {
			errs = append(errs, fmt.Errorf("cooldowns.%s: must not be negative", k))
		}
	}
	if c.Webhook.Enabled && c.Webhook.URL != "" {
		if _, err := parseWebhookTemplate(c.Webhook.Template); err != nil {
			errs = append(errs, fmt.Errorf("webhook.template: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ChannelName identifies a notification channel
type ChannelName string

const (
	ChannelPane    ChannelName = "pane"
	ChannelWebhook ChannelName = "webhook"
	ChannelLog     ChannelName = "log"
	ChannelFileBox ChannelName = "filebox"
)

var allChannels = []ChannelName{ChannelPane, ChannelWebhook, ChannelLog, ChannelFileBox}

// Sender types text into a tmux window.
type Sender interface {
	SendKeys(ctx context.Context, target tmux.Target, keys string, enter bool) error
}

// Notifier sends notifications through configured channels
type Notifier struct {
	config     Config
	channels   map[ChannelName]bool
	sender     Sender
	mu         sync.Mutex
	httpClient *http.Client
	now        func() time.Time

	// Logger receives channel failures that did not stop delivery.
	Logger *slog.Logger
}

// New creates a Notifier. sender may be nil when the pane channel is off.
func New(cfg Config, sender Sender) *Notifier {
	cfg.Webhook.URL = os.ExpandEnv(cfg.Webhook.URL)
	cfg.Log.Path = util.ExpandPath(cfg.Log.Path)
	cfg.FileBox.Path = util.ExpandPath(cfg.FileBox.Path)
	headers := make(map[string]string, len(cfg.Webhook.Headers))
	for k, v := range cfg.Webhook.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	cfg.Webhook.Headers = headers

	n := &Notifier{
		config:     cfg,
		channels:   make(map[ChannelName]bool),
		sender:     sender,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		Logger:     slog.Default(),
	}

	if cfg.Pane.Enabled && sender != nil {
		n.channels[ChannelPane] = true
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		n.channels[ChannelWebhook] = true
	}
	if cfg.Log.Enabled && cfg.Log.Path != "" {
		n.channels[ChannelLog] = true
	}
	if cfg.FileBox.Enabled && cfg.FileBox.Path != "" {
		n.channels[ChannelFileBox] = true
	}
	return n
}

// SetClock overrides the timestamp source.
func (n *Notifier) SetClock(now func() time.Time) { n.now = now }

// Channels lists the enabled channels, sorted.
func (n *Notifier) Channels() []ChannelName {
	out := make([]ChannelName, 0, len(n.channels))
	for ch := range n.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Notifier) sendToChannel(ctx context.Context, ch ChannelName, event Event) error {
	if !n.channels[ch] {
		return fmt.Errorf("channel %s not enabled", ch)
	}

	switch ch {
	case ChannelPane:
		return n.sendPane(ctx, event)
	case ChannelWebhook:
		return n.sendWebhook(ctx, event)
	case ChannelLog:
		return n.sendLog(event)
	case ChannelFileBox:
		return n.sendFileBox(event)
	default:
		return fmt.Errorf("unknown channel: %s", ch)
	}
}

// channelsFor returns the ordered channel list for a category
func (n *Notifier) channelsFor(c Category) []ChannelName {
	if chans, ok := n.config.Routing[string(c)]; ok && len(chans) > 0 {
		result := make([]ChannelName, 0, len(chans))
		for _, ch := range chans {
			result = append(result, ChannelName(ch))
		}
		return result
	}

	if n.config.Primary != "" {
		chans := []ChannelName{ChannelName(n.config.Primary)}
		if n.config.Fallback != "" {
			chans = append(chans, ChannelName(n.config.Fallback))
		}
		return chans
	}

	return n.Channels()
}

// Notify delivers an event. With routing or a primary channel the
// channels are tried in order until one succeeds; otherwise every enabled
// channel receives it. A nil error means the event reached at least one
// channel.
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	if !n.config.Enabled {
		return nil
	}
	if !event.Recipient.IsZero() && event.Subject == event.Recipient {
		return ErrSelfNotification
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = n.now().UTC()
	}

	chans := n.channelsFor(event.Category)
	if len(chans) == 0 {
		return errors.New("no notification channels enabled")
	}

	if n.config.Routing != nil || n.config.Primary != "" {
		var lastErr error
		for _, ch := range chans {
			if err := n.sendToChannel(ctx, ch, event); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		return fmt.Errorf("all channels failed, last error: %w", lastErr)
	}

	var (
		wg        sync.WaitGroup
		errs      []error
		delivered int
		errMu     sync.Mutex
	)
	for _, ch := range chans {
		wg.Add(1)
		go func(ch ChannelName) {
			defer wg.Done()
			err := n.sendToChannel(ctx, ch, event)
			errMu.Lock()
			defer errMu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ch, err))
				return
			}
			delivered++
		}(ch)
	}
	wg.Wait()

	if delivered == 0 {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		n.logger().Warn("[Notify] channel_failed",
			"event_id", event.ID,
			"category", event.Category,
			"error", err)
	}
	return nil
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// PaneText renders the single line typed into the supervisor window.
func (n *Notifier) PaneText(event Event) string {
	msg := strings.Join(strings.Fields(event.Message), " ")
	if event.Subject.IsZero() {
		return strings.TrimSpace(fmt.Sprintf("%s %s: %s", n.config.Pane.Prefix, event.Category, msg))
	}
	subject := event.Subject.String()
	if event.Name != "" {
		subject = fmt.Sprintf("%s (%s)", subject, event.Name)
	}
	text := fmt.Sprintf("%s %s %s: %s", n.config.Pane.Prefix, event.Category, subject, msg)
	return strings.TrimSpace(text)
}

func (n *Notifier) sendPane(ctx context.Context, event Event) error {
	if event.Recipient.IsZero() {
		return errors.New("no supervisor to deliver to")
	}
	return n.sender.SendKeys(ctx, event.Recipient, n.PaneText(event), true)
}

// jsonEscape escapes a string for safe embedding in JSON.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b[1 : len(b)-1])
}

const defaultWebhookTemplate = `{"id":"{{.ID}}","category":"{{.Category}}","subject":"{{.Subject}}","message":"{{jsonEscape .Message}}","timestamp":"{{.Timestamp.Format "2006-01-02T15:04:05Z07:00"}}"}`

func parseWebhookTemplate(s string) (*template.Template, error) {
	if s == "" {
		s = defaultWebhookTemplate
	}
	return template.New("webhook").Funcs(template.FuncMap{"jsonEscape": jsonEscape}).Parse(s)
}

func (n *Notifier) sendWebhook(ctx context.Context, event Event) error {
	tmpl, err := parseWebhookTemplate(n.config.Webhook.Template)
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, event); err != nil {
		return fmt.Errorf("template execution failed: %w", err)
	}

	method := n.config.Webhook.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, n.config.Webhook.URL, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (n *Notifier) sendLog(event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	path := n.config.Log.Path
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] [%s] %s -> %s: %s",
		event.Timestamp.Format(time.RFC3339),
		event.Category,
		targetLabel(event.Subject),
		targetLabel(event.Recipient),
		strings.Join(strings.Fields(event.Message), " "),
	)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("failed to write to log: %w", err)
	}
	return nil
}

func targetLabel(t tmux.Target) string {
	if t.IsZero() {
		return "-"
	}
	return t.String()
}

// sendFileBox writes one markdown file per event for offline review.
func (n *Notifier) sendFileBox(event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	dir := n.config.FileBox.Path
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s_%s.md",
		event.Timestamp.Format("2006-01-02_15-04-05"),
		strings.ReplaceAll(string(event.Category), ".", "_"),
		shortID(event.ID),
	)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", event.Category)
	fmt.Fprintf(&b, "**Time:** %s\n\n", event.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Target:** %s\n\n", targetLabel(event.Subject))
	if event.Name != "" {
		fmt.Fprintf(&b, "**Window:** %s\n\n", event.Name)
	}
	b.WriteString("## Message\n\n")
	b.WriteString(event.Message)
	b.WriteString("\n")

	if len(event.Details) > 0 {
		b.WriteString("\n## Details\n\n")
		keys := make([]string, 0, len(event.Details))
		for k := range event.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- **%s:** %s\n", k, event.Details[k])
		}
	}

	if err := os.WriteFile(filepath.Join(dir, filename), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write inbox file: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
