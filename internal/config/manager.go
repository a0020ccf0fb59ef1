package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeHandler is called with the new configuration after a successful reload.
type ChangeHandler func(cfg Config)

// Manager watches a configuration file and hot-reloads it. Sessions read a
// snapshot at start, so a reload never changes thresholds mid-loop.
type Manager struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	started  bool
	mu       sync.RWMutex
	current  Config
	handlers []ChangeHandler
	// debounce window for editors that emit write bursts
	debounce time.Duration
}

// NewManager creates a manager for the config file at path. The initial load
// happens in Start.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Manager{
		path:     path,
		logger:   logger,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		current:  Defaults(),
		debounce: 200 * time.Millisecond,
	}, nil
}

// Start loads the file and begins watching its directory for changes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.reload(); err != nil {
		return fmt.Errorf("initial config load: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a direct file watch is lost after the rename.
	dir := filepath.Dir(m.path)
	if err := m.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go m.watchLoop(ctx)
	return nil
}

// Current returns the latest loaded configuration snapshot.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler invoked after each successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Stop terminates the watch loop and releases the watcher.
func (m *Manager) Stop() error {
	close(m.stopCh)
	return m.watcher.Close()
}

func (m *Manager) watchLoop(ctx context.Context) {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(m.debounce)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			if err := m.reload(); err != nil {
				m.logger.Warn("Config reload failed, keeping previous snapshot",
					zap.String("path", m.path),
					zap.Error(err),
				)
			}
		}
	}
}

func (m *Manager) reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = cfg
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.logger.Info("Configuration loaded",
		zap.String("path", m.path),
		zap.Int("max_iterations", cfg.Research.MaxIterations),
		zap.Float64("gain_threshold", cfg.Research.GainThreshold),
	)
	for _, h := range handlers {
		h(cfg)
	}
	return nil
}

// WriteDefaults writes the default configuration as YAML to path, creating
// parent directories as needed. Used by the CLI to scaffold a config file.
func WriteDefaults(path string) error {
	data, err := yaml.Marshal(toYAMLTree(Defaults()))
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func toYAMLTree(c Config) map[string]interface{} {
	return map[string]interface{}{
		"research": map[string]interface{}{
			"max_iterations":           c.Research.MaxIterations,
			"no_gain_threshold":        c.Research.NoGainThreshold,
			"deep_no_gain_threshold":   c.Research.DeepNoGainThreshold,
			"gain_threshold":           c.Research.GainThreshold,
			"completion_threshold":     c.Research.CompletionThreshold,
			"url_similarity_threshold": c.Research.URLSimilarityThreshold,
			"url_revisit_cap":          c.Research.URLRevisitCap,
			"retention_steps":          c.Research.RetentionSteps,
			"payload_ceiling":          c.Research.PayloadCeiling,
			"observation_max_len":      c.Research.ObservationMaxLen,
			"min_report_sources":       c.Research.MinReportSources,
			"max_repair_attempts":      c.Research.MaxRepairAttempts,
			"tool_rate_per_second":     c.Research.ToolRatePerSecond,
			"tool_rate_burst":          c.Research.ToolRateBurst,
			"tool_timeout_seconds":     c.Research.ToolTimeoutSeconds,
		},
		"observability": map[string]interface{}{
			"metrics": map[string]interface{}{
				"enabled": c.Observability.Metrics.Enabled,
				"port":    c.Observability.Metrics.Port,
			},
			"logging": map[string]interface{}{
				"level":  c.Observability.Logging.Level,
				"format": c.Observability.Logging.Format,
			},
			"tracing": map[string]interface{}{
				"enabled":       c.Observability.Tracing.Enabled,
				"service_name":  c.Observability.Tracing.ServiceName,
				"otlp_endpoint": c.Observability.Tracing.OTLPEndpoint,
			},
		},
		"llm_service_url":  c.LLMServiceURL,
		"model":            c.Model,
		"knowledge_url":    c.KnowledgeURL,
		"redis_addr":       c.RedisAddr,
		"history_dsn":      c.HistoryDSN,
		"tool_service_url": c.ToolService,
		"tool_names":       c.ToolNames,
	}
}
