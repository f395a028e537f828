package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-limitsize/pkg/config"
	"github.com/polisai/polis-limitsize/pkg/logging"
	"github.com/polisai/polis-limitsize/pkg/sizeguard"
)

// Phase is the configuration state of a Root.
type Phase int

const (
	// PhaseUnconfigured means the defaults are in effect.
	PhaseUnconfigured Phase = iota
	// PhaseConfigured means a supplied configuration was accepted.
	PhaseConfigured
)

func (p Phase) String() string {
	if p == PhaseConfigured {
		return "configured"
	}
	return "unconfigured"
}

const (
	defaultName    = "polis-limitsize"
	defaultVersion = "dev"

	// Context lines printed around a configuration syntax error.
	errorContextLines = 4
)

// Root owns the filter configuration for one installation and creates
// exchanges. Reconfiguration only affects exchanges created afterwards.
type Root struct {
	id       uint32
	logger   *slog.Logger
	base     *slog.Logger
	recorder Recorder
	name     string
	version  string

	mu       sync.RWMutex
	phase    Phase
	snapshot config.FilterConfig
	vmConfig []byte
}

// RootOption customises a Root.
type RootOption func(*Root)

// WithRecorder reports every rejection of every exchange to rec.
func WithRecorder(rec Recorder) RootOption {
	return func(r *Root) {
		r.recorder = rec
	}
}

// WithVersion sets the name and version logged at VM start.
func WithVersion(name, version string) RootOption {
	return func(r *Root) {
		if name != "" {
			r.name = name
		}
		if version != "" {
			r.version = version
		}
	}
}

// NewRoot creates an unconfigured root running on the default snapshot.
func NewRoot(id uint32, logger *slog.Logger, opts ...RootOption) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Root{
		id:       id,
		base:     logger,
		logger:   logging.Ident(logger, fmt.Sprintf("(%d/root)", id)),
		name:     defaultName,
		version:  defaultVersion,
		snapshot: config.DefaultFilterConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the root context id.
func (r *Root) ID() uint32 {
	return r.id
}

// OnVMStart records the VM configuration. The filter needs none, so an empty
// one only warns.
func (r *Root) OnVMStart(vmConfig []byte) bool {
	r.logger.Info(fmt.Sprintf("%s version %s booting up.", r.name, r.version))
	r.logger.Info("on_vm_start", "vm_configuration_size", len(vmConfig))

	if len(vmConfig) == 0 {
		r.logger.Warn("on_vm_start: empty VM config")
		return true
	}

	r.mu.Lock()
	r.vmConfig = append([]byte(nil), vmConfig...)
	r.mu.Unlock()

	r.logger.Info("on_vm_start: VM configuration", "config", string(vmConfig))
	return true
}

// OnConfigure applies plugin configuration bytes. Absent configuration keeps
// the current snapshot and succeeds; malformed configuration is reported with
// its location, keeps the current snapshot and fails.
func (r *Root) OnConfigure(pluginConfig []byte) bool {
	r.logger.Info("on_configure", "plugin_configuration_size", len(pluginConfig))

	if len(pluginConfig) == 0 {
		r.logger.Warn("empty module configuration - module has no effect beyond defaults")
		return true
	}

	r.logger.Debug("loaded raw config")

	cfg, err := config.ParseFilterConfig(pluginConfig)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			for _, line := range cfgErr.ErrorLines(string(pluginConfig), errorContextLines, errorContextLines) {
				r.logger.Error(line)
			}
		} else {
			r.logger.Error("fatal configuration error", "error", err)
		}
		return false
	}

	r.mu.Lock()
	r.snapshot = cfg
	r.phase = PhaseConfigured
	r.mu.Unlock()

	r.logger.Info("on_configure: plugin configuration", "config", cfg.String())
	return true
}

// Snapshot returns a copy of the configuration new exchanges will capture.
func (r *Root) Snapshot() config.FilterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Phase returns the current configuration phase.
func (r *Root) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// VMConfig returns a copy of the configuration passed to OnVMStart.
func (r *Root) VMConfig() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.vmConfig...)
}

// NewExchange creates the per-exchange filter. It captures the current
// snapshot by value; host receives at most one synthetic response.
func (r *Root) NewExchange(id uint32, host Host) *Exchange {
	cfg := r.Snapshot()
	return &Exchange{
		id:       id,
		rootID:   r.id,
		logger:   logging.Ident(r.base, fmt.Sprintf("(%d/http %d/root)", id, r.id)),
		config:   cfg,
		request:  sizeguard.New(cfg.MaxRequestSize),
		response: sizeguard.New(cfg.MaxResponseSize),
		host:     host,
		recorder: r.recorder,
	}
}
