package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents supported configuration file formats
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
)

// ChangeEvent represents a configuration change event
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // initial_load, create, modify, delete, manual_reload, programmatic_set
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when configuration changes
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a parsed file before it replaces the current one.
type Validator func(map[string]interface{}) error

// ConfigManager watches a directory of YAML/JSON files and notifies handlers
// registered per file name.
type ConfigManager struct {
	configDir  string
	configs    map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]Validator
	watcher    *fsnotify.Watcher
	started    bool
	stopCh     chan struct{}
	logger     *zap.Logger
	mu         sync.RWMutex
	// serializes event handling so rapid writes to one file apply in order
	eventMu sync.Mutex

	pollInterval  time.Duration
	enablePolling bool
	// settle is how long a write event waits before the file is read
	settle time.Duration
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		configDir:    configDir,
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]Validator),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
		settle:       50 * time.Millisecond,
	}, nil
}

// Start loads every file in the directory and begins watching it.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	// no cm.mu held during I/O; handlers may call back into the manager
	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := cm.loadAllConfigs(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	cm.mu.Lock()
	cm.started = true
	loaded := len(cm.configs)
	polling := cm.enablePolling
	cm.mu.Unlock()

	go cm.watchLoop(ctx)
	if polling {
		go cm.pollLoop(ctx)
	}

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching for configuration changes
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.started {
		return nil
	}
	close(cm.stopCh)
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Error("Error closing file watcher", zap.Error(err))
	}
	cm.started = false
	cm.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler registers a change handler for a specific config file
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
	cm.logger.Debug("Configuration handler registered",
		zap.String("filename", filename),
		zap.Int("total_handlers", len(cm.handlers[filename])),
	)
}

// RegisterValidator registers a configuration validator for a specific file
func (cm *ConfigManager) RegisterValidator(filename string, validator Validator) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// GetConfig returns a copy of the current configuration for a file
func (cm *ConfigManager) GetConfig(filename string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	config, exists := cm.configs[filename]
	if !exists {
		return nil, false
	}
	return copyMap(config), true
}

// ReloadConfig manually reloads a specific configuration file
func (cm *ConfigManager) ReloadConfig(filename string) error {
	return cm.loadConfigFile(filepath.Join(cm.configDir, filename), "manual_reload")
}

// SetConfig installs a configuration without touching the filesystem.
func (cm *ConfigManager) SetConfig(filename string, config map[string]interface{}) error {
	return cm.apply(filename, config, "programmatic_set")
}

// EnablePolling adds a modification-time poll for filesystems where
// notifications are unreliable. Call before Start.
func (cm *ConfigManager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.enablePolling = true
	cm.pollInterval = interval
}

func (cm *ConfigManager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()
	lastModTimes := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.checkForChanges(lastModTimes)
		}
	}
}

func (cm *ConfigManager) checkForChanges(lastModTimes map[string]time.Time) {
	err := cm.walkConfigFiles(func(path string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if !info.ModTime().After(lastModTimes[name]) {
			return nil
		}
		lastModTimes[name] = info.ModTime()
		return cm.loadConfigFile(path, "polling_detected")
	})
	if err != nil {
		cm.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	if !isConfigFile(event.Name) {
		return
	}
	cm.eventMu.Lock()
	defer cm.eventMu.Unlock()

	filename := filepath.Base(event.Name)
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		cm.handleFileRemoval(filename)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		action := "modify"
		if event.Op&fsnotify.Create != 0 {
			action = "create"
		}
		time.Sleep(cm.settle)
		if err := cm.loadConfigFile(event.Name, action); err != nil {
			cm.logger.Error("Failed to load config file",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
}

func (cm *ConfigManager) walkConfigFiles(fn func(path string, d fs.DirEntry) error) error {
	return filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != cm.configDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !isConfigFile(path) {
			return nil
		}
		return fn(path, d)
	})
}

func (cm *ConfigManager) loadAllConfigs() error {
	return cm.walkConfigFiles(func(path string, _ fs.DirEntry) error {
		return cm.loadConfigFile(path, "initial_load")
	})
}

func (cm *ConfigManager) loadConfigFile(filePath, action string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	filename := filepath.Base(filePath)
	config := make(map[string]interface{})
	switch detectFormat(filename) {
	case FormatJSON:
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	}
	return cm.apply(filename, config, action)
}

// apply validates, stores and announces a parsed file.
func (cm *ConfigManager) apply(filename string, config map[string]interface{}, action string) error {
	cm.mu.RLock()
	validator := cm.validators[filename]
	cm.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	cm.mu.Lock()
	cm.configs[filename] = config
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{File: filename, Action: action, Config: copyMap(config), Timestamp: time.Now()})
	cm.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("keys", len(config)),
	)
	return nil
}

func (cm *ConfigManager) handleFileRemoval(filename string) {
	cm.mu.Lock()
	last := cm.configs[filename]
	delete(cm.configs, filename)
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{File: filename, Action: "delete", Config: copyMap(last), Timestamp: time.Now()})
	cm.logger.Info("Configuration file removed", zap.String("filename", filename))
}

// notify runs each handler in its own goroutine.
func (cm *ConfigManager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		h := h
		go func() {
			if err := h(event); err != nil {
				cm.logger.Error("Configuration handler error",
					zap.String("filename", event.File),
					zap.String("action", event.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func detectFormat(filename string) ConfigFormat {
	switch filepath.Ext(filename) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}
