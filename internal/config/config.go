package config

import "time"

// HookRef identifies a lifecycle hook callable as "module:attr", resolved
// against internal/registry at startup.
type HookRef string

// Options is zibai's full runtime configuration: the CLI surface, with an
// optional YAML file merged underneath it before flags are applied on top.
type Options struct {
	// App is the "module:attr" identifier of the gateway application.
	App string `yaml:"app"`
	// Call invokes the resolved attribute with no arguments to obtain the
	// actual application, for factories that return one.
	Call bool `yaml:"call"`

	// Listen holds one or more "HOST:PORT" or "unix:PATH" endpoint specs.
	Listen []string `yaml:"listen"`

	// Subprocess is the worker process count; 0 runs one worker in the
	// foreground with no supervisor.
	Subprocess int `yaml:"subprocess"`
	// NoGevent forces the threaded scheduling mode even when a cooperative
	// runtime is available.
	NoGevent bool `yaml:"no_gevent"`
	// MaxWorkers bounds concurrent handlers per worker process.
	MaxWorkers int `yaml:"max_workers"`

	// WatchFiles holds glob patterns that trigger a rolling restart when
	// matched by a changed file.
	WatchFiles []string `yaml:"watchfiles"`

	// Backlog is the listen() backlog; 0 defers to the OS default.
	Backlog int `yaml:"backlog"`
	// DualStackIPv6 binds IPv4 and IPv6 on one socket for TCP endpoints.
	DualStackIPv6 bool `yaml:"dualstack_ipv6"`
	// UnixSocketPerms is the octal file mode applied to unix socket paths.
	UnixSocketPerms string `yaml:"unix_socket_perms"`

	// MaxIncompleteEventSize caps the size of any incomplete framing event
	// (header block, chunk header); 0 means unbounded.
	MaxIncompleteEventSize int `yaml:"h11_max_incomplete_event_size"`
	// MaxRequestPreProcess is the per-worker request budget before it sets
	// its own graceful-exit flag; 0 means unset (unlimited).
	MaxRequestPreProcess int `yaml:"max_request_pre_process"`

	// GracefulExitTimeout bounds the drain phase.
	GracefulExitTimeout time.Duration `yaml:"graceful_exit_timeout"`

	// URLScheme is exposed to the application as wsgi.url_scheme.
	URLScheme string `yaml:"url_scheme"`
	// URLPrefix is exposed to the application as SCRIPT_NAME.
	URLPrefix string `yaml:"url_prefix"`

	BeforeServe        HookRef `yaml:"before_serve"`
	BeforeGracefulExit HookRef `yaml:"before_graceful_exit"`
	BeforeDied         HookRef `yaml:"before_died"`

	// NoAccessLog suppresses access-sink records for successful exchanges.
	NoAccessLog bool `yaml:"no_access_log"`
}
