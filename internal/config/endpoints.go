package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/rpcflow/internal/phase"
	"github.com/lsm/rpcflow/internal/ratelimit"
)

// Invoker types.
const (
	InvokerEcho = "echo"
	InvokerWASM = "wasm"
)

var endpointName = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// EndpointDefinition describes one endpoint and the steps of its chains.
type EndpointDefinition struct {
	Name        string             `yaml:"name"`
	Path        string             `yaml:"path"`
	Invoker     InvokerConfig      `yaml:"invoker"`
	RateLimit   ratelimit.Limit    `yaml:"rateLimit"`
	Policy      string             `yaml:"policy"`
	Schema      string             `yaml:"schema"`
	Transform   *TransformConfig   `yaml:"transform,omitempty"`
	CloudEvents *CloudEventsConfig `yaml:"cloudEvents,omitempty"`
	Sidecars    []SidecarConfig    `yaml:"sidecars,omitempty"`
	WASM        []WASMStepConfig   `yaml:"wasm,omitempty"`
	Logging     EndpointLogging    `yaml:"logging"`
	DeadLetter  DeadLetterConfig   `yaml:"deadLetter"`
}

// InvokerConfig selects the service implementation.
type InvokerConfig struct {
	Type   string       `yaml:"type"`
	Module ModuleConfig `yaml:"module"`
}

// ModuleConfig locates a WASM module.
type ModuleConfig struct {
	Path        string            `yaml:"path"`
	MemoryLimit Size              `yaml:"memoryLimit"`
	Timeout     time.Duration     `yaml:"timeout"`
	Env         map[string]string `yaml:"env"`
}

// TransformConfig is a CEL expression producing the new request payload.
type TransformConfig struct {
	CEL   string `yaml:"cel"`
	Phase string `yaml:"phase"`
}

// CloudEventsConfig binds requests and responses to CloudEvents.
type CloudEventsConfig struct {
	Required     bool   `yaml:"required"`
	ResponseType string `yaml:"responseType"`
	Source       string `yaml:"source"`
	Always       bool   `yaml:"always"`
}

// SidecarConfig is a gRPC processing step.
type SidecarConfig struct {
	Name    string        `yaml:"name"`
	Address string        `yaml:"address"`
	Method  string        `yaml:"method"`
	TLS     bool          `yaml:"tls"`
	Timeout time.Duration `yaml:"timeout"`
	Phase   string        `yaml:"phase"`
}

// WASMStepConfig is a WASM processing step.
type WASMStepConfig struct {
	Name      string       `yaml:"name"`
	Phase     string       `yaml:"phase"`
	Direction string       `yaml:"direction"`
	Module    ModuleConfig `yaml:"module"`
}

// EndpointLogging configures payload logging.
type EndpointLogging struct {
	Enabled bool `yaml:"enabled"`
	Limit   Size `yaml:"limit"`
}

// DeadLetterConfig enables publishing of failed requests.
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
}

// Validate checks the definition for errors.
func (d *EndpointDefinition) Validate() error {
	var errs []error
	if !endpointName.MatchString(d.Name) {
		errs = append(errs, fmt.Errorf("name %q must be lowercase alphanumeric with dashes", d.Name))
	}
	switch d.Invoker.Type {
	case "", InvokerEcho:
	case InvokerWASM:
		if d.Invoker.Module.Path == "" {
			errs = append(errs, errors.New("invoker.module.path is required for wasm invokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("invoker.type %q is not valid (must be %s or %s)", d.Invoker.Type, InvokerEcho, InvokerWASM))
	}
	if d.RateLimit.RPS < 0 || d.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rateLimit values must not be negative"))
	}
	if d.Transform != nil && d.Transform.CEL == "" {
		errs = append(errs, errors.New("transform.cel is required"))
	}
	in, out := phase.DefaultManager().InPhases(), phase.DefaultManager().OutPhases()
	if d.Transform != nil && d.Transform.Phase != "" && !in.Contains(d.Transform.Phase) {
		errs = append(errs, fmt.Errorf("transform.phase %q is not an in phase", d.Transform.Phase))
	}
	for i, sc := range d.Sidecars {
		if sc.Name == "" || sc.Address == "" {
			errs = append(errs, fmt.Errorf("sidecars[%d]: name and address are required", i))
		}
		if sc.Phase != "" && !in.Contains(sc.Phase) {
			errs = append(errs, fmt.Errorf("sidecars[%d]: phase %q is not an in phase", i, sc.Phase))
		}
	}
	for i, w := range d.WASM {
		if w.Name == "" || w.Module.Path == "" {
			errs = append(errs, fmt.Errorf("wasm[%d]: name and module.path are required", i))
		}
		set := in
		if w.Direction == "outbound" {
			set = out
		} else if w.Direction != "" && w.Direction != "inbound" {
			errs = append(errs, fmt.Errorf("wasm[%d]: direction %q must be inbound or outbound", i, w.Direction))
		}
		if w.Phase != "" && !set.Contains(w.Phase) {
			errs = append(errs, fmt.Errorf("wasm[%d]: unknown phase %q", i, w.Phase))
		}
	}
	return errors.Join(errs...)
}

// Loader loads and watches endpoint definition files.
type Loader struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointDefinition
	dir       string
	logger    *slog.Logger
	onChange  func(map[string]*EndpointDefinition)
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		endpoints: make(map[string]*EndpointDefinition),
		dir:       dir,
		logger:    logger,
	}
}

// OnChange registers a callback that fires when definition files change.
func (l *Loader) OnChange(fn func(map[string]*EndpointDefinition)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Load reads all YAML files from the configured directory. Invalid files are logged and
// skipped; a name defined twice keeps the first file in directory order.
func (l *Loader) Load() (map[string]*EndpointDefinition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", l.dir, err)
	}

	endpoints := make(map[string]*EndpointDefinition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		def, err := l.loadFile(path)
		if err != nil {
			l.logger.Error("failed to load endpoint file", "path", path, "error", err)
			continue
		}
		if _, dup := endpoints[def.Name]; dup {
			l.logger.Error("duplicate endpoint name", "path", path, "name", def.Name)
			continue
		}
		endpoints[def.Name] = def
	}

	l.mu.Lock()
	l.endpoints = endpoints
	l.mu.Unlock()

	return endpoints, nil
}

// Watch reloads the directory whenever a file in it changes. Blocks until done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching endpoints directory", "dir", l.dir)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.logger.Info("endpoint change detected", "file", event.Name, "op", event.Op)
				endpoints, err := l.Load()
				if err != nil {
					l.logger.Error("failed to reload endpoints", "error", err)
					continue
				}
				l.mu.RLock()
				fn := l.onChange
				l.mu.RUnlock()
				if fn != nil {
					fn(endpoints)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// Endpoints returns a copy of the currently loaded definitions.
func (l *Loader) Endpoints() map[string]*EndpointDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	endpoints := make(map[string]*EndpointDefinition, len(l.endpoints))
	for k, v := range l.endpoints {
		endpoints[k] = v
	}
	return endpoints
}

func (l *Loader) loadFile(path string) (*EndpointDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var def EndpointDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("endpoint definition missing 'name' field in %s", path)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", def.Name, err)
	}
	return &def, nil
}
