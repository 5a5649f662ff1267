// Package config loads and hot-reloads the server's config.yaml. Loading
// uses gopkg.in/yaml.v3; changes to the file are picked up live via an
// fsnotify watch, so group and lease edits don't require a restart.
package config

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/olimpiadi-informatica/pixie/pkg/constants"
	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
)

// Group is one named fleet group and the numeric ID units report
// themselves under.
type Group struct {
	Name string `yaml:"name"`
	ID   uint8  `yaml:"id"`
}

// StaticLease binds one MAC to a reserved IP, loaded into a
// fleet.Bijection at startup.
type StaticLease struct {
	MAC string `yaml:"mac"`
	IP  string `yaml:"ip"`
}

// Config is the parsed shape of config.yaml.
type Config struct {
	StorageRoot string `yaml:"storage_root"`

	HTTPAddr string `yaml:"http_addr"`
	HTTPPort int    `yaml:"http_port"`
	TCPPort  int    `yaml:"tcp_port"`
	UDPPort  int    `yaml:"udp_port"`
	HintPort int    `yaml:"hint_port"`

	// HintDest is where HintPacket broadcasts are sent: a subnet
	// broadcast address or a multicast group.
	HintDest string `yaml:"hint_dest"`

	// BitsPerSecond is the UDP send budget, applied per group rather
	// than globally.
	BitsPerSecond int64 `yaml:"bits_per_second"`

	Groups       []Group       `yaml:"groups"`
	StaticLeases []StaticLease `yaml:"static_leases"`
}

// applyEnvOverrides applies PIXIE_HTTP_PORT / PIXIE_HTTP_ADDR over
// whatever config.yaml set.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(constants.EnvHTTPAddr); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv(constants.EnvHTTPPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
}

func defaults() Config {
	return Config{
		StorageRoot:   ".",
		HTTPAddr:      constants.DefaultHTTPAddr,
		HTTPPort:      constants.DefaultHTTPPort,
		TCPPort:       constants.DefaultTCPPort,
		UDPPort:       constants.DefaultUDPPort,
		HintPort:      constants.DefaultHintPort,
		BitsPerSecond: 100_000_000, // 100 Mbit/s per group
	}
}

// Load parses path (config.yaml) over the defaults. A missing file is not
// an error: the defaults alone are a valid configuration. A present but
// malformed file is a fatal configuration error.
func Load(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	if err != nil {
		return Config{}, perrors.NewConfigError(perrors.CodeInvalidConfig, "read config.yaml", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, perrors.NewConfigError(perrors.CodeInvalidConfig, "parse config.yaml", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.StaticLeases))
	for _, lease := range c.StaticLeases {
		if _, dup := seen[lease.MAC]; dup {
			return perrors.NewConfigError(perrors.CodeDuplicateMAC, "duplicate MAC in static_leases: "+lease.MAC, nil)
		}
		seen[lease.MAC] = struct{}{}
	}
	return nil
}

// GroupIDs returns the config's named-group -> numeric-ID map, the shape
// pkg/control.Server.Groups wants.
func (c Config) GroupIDs() map[string]uint8 {
	out := make(map[string]uint8, len(c.Groups))
	for _, g := range c.Groups {
		out[g.Name] = g.ID
	}
	return out
}

// Watcher holds the live, hot-reloadable Config plus the fsnotify watch
// on its backing file. Reload failures are
// logged and the previous good Config is kept — a malformed edit never
// tears down a running server.
type Watcher struct {
	path string
	log  hclog.Logger

	current atomic.Pointer[Config]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewWatcher loads path once and starts watching it for changes.
func NewWatcher(path string, log hclog.Logger) (*Watcher, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, log: log.Named("config")}
	w.current.Store(&cfg)
	w.startWatcher()
	return w, nil
}

// Get returns the current Config.
func (w *Watcher) Get() Config {
	return *w.current.Load()
}

func (w *Watcher) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify start failed", "error", err)
		return
	}
	if err := watcher.Add(w.path); err != nil {
		w.log.Warn("watch config.yaml failed", "error", err)
		watcher.Close()
		return
	}

	w.mu.Lock()
	w.watcher = watcher
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("config watcher error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.reload()
			}
		}
	}()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	w.current.Store(&cfg)
	w.log.Info("config reloaded")
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
}
