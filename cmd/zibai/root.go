package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/abersheeran/zibai/internal/config"
)

// cliFlags mirrors config.Options field-for-field for the values cobra can
// bind directly; flags left at their zero value never override a loaded
// YAML file or a default (config.Merge only overlays non-zero fields).
var cliFlags struct {
	configFile string

	call                   bool
	listen                 []string
	subprocess             int
	noGevent               bool
	maxWorkers             int
	watchfiles             string
	backlog                int
	dualStackIPv6          bool
	unixSocketPerms        string
	maxIncompleteEventSize int
	maxRequestPreProcess   int
	gracefulExitTimeout    time.Duration
	urlScheme              string
	urlPrefix              string
	beforeServe            string
	beforeGracefulExit     string
	beforeDied             string
	noAccessLog            bool

	// internalWorkerFDs and internalWorkerGeneration are set only on the
	// hidden re-exec path a supervisor takes to start a worker: they are
	// never meant for a human to pass directly.
	internalWorkerFDs        int
	internalWorkerGeneration int
}

var rootCmd = &cobra.Command{
	Use:   "zibai <app>",
	Short: "zibai - a pure Go HTTP/1.1 server for synchronous gateway applications",
	Long: `zibai serves one gateway application ("module:attr") over HTTP/1.1.

It owns the listening sockets, frames requests and responses itself (no
net/http), and optionally forks a supervised pool of worker processes that
inherit those sockets by file descriptor.`,
	Args:    cobra.ExactArgs(1),
	Version: Version,
	RunE:    runServe,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cliFlags.configFile, "config", "c", "", "YAML config file merged under flag values")
	flags.BoolVar(&cliFlags.call, "call", false, "invoke the resolved app attribute with no arguments to obtain it")
	flags.StringSliceVarP(&cliFlags.listen, "listen", "l", nil, `bind endpoint ("HOST:PORT" or "unix:PATH"), repeatable`)
	flags.IntVarP(&cliFlags.subprocess, "subprocess", "p", 0, "worker process count (0 = foreground, no supervisor)")
	flags.BoolVar(&cliFlags.noGevent, "no-gevent", false, "force threaded scheduling mode")
	flags.IntVarP(&cliFlags.maxWorkers, "max-workers", "w", 0, "max concurrent handlers per worker process")
	flags.StringVar(&cliFlags.watchfiles, "watchfiles", "", "semicolon-separated glob list that triggers a rolling restart")
	flags.IntVar(&cliFlags.backlog, "backlog", 0, "listen() backlog (0 = OS default)")
	flags.BoolVar(&cliFlags.dualStackIPv6, "dualstack-ipv6", false, "bind IPv4 and IPv6 on one socket")
	flags.StringVar(&cliFlags.unixSocketPerms, "unix-socket-perms", "", "octal file mode applied to unix socket paths")
	flags.IntVar(&cliFlags.maxIncompleteEventSize, "h11-max-incomplete-event-size", 0, "cap on any incomplete framing event (0 = unbounded)")
	flags.IntVar(&cliFlags.maxRequestPreProcess, "max-request-pre-process", 0, "per-worker request budget before it self-drains (0 = unset)")
	flags.DurationVar(&cliFlags.gracefulExitTimeout, "graceful-exit-timeout", 0, "drain deadline")
	flags.StringVar(&cliFlags.urlScheme, "url-scheme", "", `exposed to the application as wsgi.url_scheme`)
	flags.StringVar(&cliFlags.urlPrefix, "url-prefix", "", "exposed to the application as SCRIPT_NAME")
	flags.StringVar(&cliFlags.beforeServe, "before-serve", "", `"module:attr" hook run once before a worker starts serving`)
	flags.StringVar(&cliFlags.beforeGracefulExit, "before-graceful-exit", "", `"module:attr" hook run once a worker has finished draining`)
	flags.StringVar(&cliFlags.beforeDied, "before-died", "", `"module:attr" hook run immediately before a worker process exits`)
	flags.BoolVar(&cliFlags.noAccessLog, "no-access-log", false, "suppress access-sink records for successful exchanges")

	flags.IntVar(&cliFlags.internalWorkerFDs, "internal-worker-fds", -1, "")
	flags.IntVar(&cliFlags.internalWorkerGeneration, "internal-worker-generation", 0, "")
	_ = flags.MarkHidden("internal-worker-fds")
	_ = flags.MarkHidden("internal-worker-generation")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig assembles Options per the defaults -> file -> flags ->
// validate precedence (internal/config's doc comment) and stores the
// result as the package singleton.
func loadConfig(app string) (*config.Options, error) {
	base := config.Defaults()
	if cliFlags.configFile != "" {
		fromFile, err := config.LoadFile(cliFlags.configFile)
		if err != nil {
			return nil, err
		}
		base = fromFile
	}

	override := &config.Options{
		App:                    app,
		Call:                   cliFlags.call,
		Listen:                 cliFlags.listen,
		Subprocess:             cliFlags.subprocess,
		NoGevent:               cliFlags.noGevent,
		MaxWorkers:             cliFlags.maxWorkers,
		Backlog:                cliFlags.backlog,
		DualStackIPv6:          cliFlags.dualStackIPv6,
		UnixSocketPerms:        cliFlags.unixSocketPerms,
		MaxIncompleteEventSize: cliFlags.maxIncompleteEventSize,
		MaxRequestPreProcess:   cliFlags.maxRequestPreProcess,
		GracefulExitTimeout:    cliFlags.gracefulExitTimeout,
		URLScheme:              cliFlags.urlScheme,
		URLPrefix:              cliFlags.urlPrefix,
		BeforeServe:            config.HookRef(cliFlags.beforeServe),
		BeforeGracefulExit:     config.HookRef(cliFlags.beforeGracefulExit),
		BeforeDied:             config.HookRef(cliFlags.beforeDied),
		NoAccessLog:            cliFlags.noAccessLog,
	}
	if cliFlags.watchfiles != "" {
		override.WatchFiles = splitWatchPatterns(cliFlags.watchfiles)
	}

	merged := config.Merge(base, override)
	config.ApplyDefaults(merged)
	if err := config.Validate(merged); err != nil {
		return nil, err
	}
	config.Set(merged)
	return merged, nil
}
