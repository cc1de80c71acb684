// Package daemon wires the catalog, execution engine, and output policy
// behind a Unix domain socket and owns their lifecycle.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/mkbridge/mkbridge/internal/catalog"
	"github.com/mkbridge/mkbridge/internal/engine"
	"github.com/mkbridge/mkbridge/internal/events"
	"github.com/mkbridge/mkbridge/internal/lock"
	"github.com/mkbridge/mkbridge/internal/makefile"
	"github.com/mkbridge/mkbridge/internal/model"
	"github.com/mkbridge/mkbridge/internal/output"
	"github.com/mkbridge/mkbridge/internal/uds"
	"github.com/mkbridge/mkbridge/internal/yamlio"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the long-running mkbridge process.
type Daemon struct {
	bridgeDir    string
	makefilePath string
	config       model.Config
	logLevel     LogLevel
	logger       *log.Logger
	logFile      io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	bus       *events.Bus
	runLogger *events.RunLogger
	runner    *engine.Runner
	outputs   *output.Manager

	// catalog is swapped whole on reload, never mutated.
	catalog     atomic.Pointer[catalog.Catalog]
	reloadGroup singleflight.Group

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	startedAt time.Time
	session   string
}

// New creates a Daemon rooted at bridgeDir (the .mkbridge/ directory).
func New(bridgeDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(bridgeDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(bridgeDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(bridgeDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	session, err := model.SessionSuffix()
	if err != nil {
		return nil, fmt.Errorf("generate session suffix: %w", err)
	}

	makefilePath := cfg.Makefile.Path
	if !filepath.IsAbs(makefilePath) {
		makefilePath = filepath.Join(filepath.Dir(bridgeDir), makefilePath)
	}

	logger := log.New(w, "", 0)
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		bridgeDir:    bridgeDir,
		makefilePath: makefilePath,
		config:       cfg,
		logLevel:     parseLogLevel(cfg.Logging.Level),
		logger:       logger,
		logFile:      closer,
		fileLock:     lock.NewFileLock(filepath.Join(bridgeDir, "locks", "daemon.lock")),
		server:       uds.NewServer(filepath.Join(bridgeDir, uds.DefaultSocketName)),
		bus:          events.NewBus(0),
		ctx:          ctx,
		cancel:       cancel,
		session:      session,
	}

	d.outputs = output.NewManager(
		cfg.Output.MaxChars,
		cfg.Output.WriteToFile,
		cfg.Output.TempDir,
		session,
		logger,
	)

	workingDir := cfg.Makefile.WorkingDir
	if workingDir != "" && !filepath.IsAbs(workingDir) {
		workingDir = filepath.Join(filepath.Dir(bridgeDir), workingDir)
	}
	d.runner = &engine.Runner{
		Makefile:       makefilePath,
		Dir:            workingDir,
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxTimeout:     cfg.MaxTimeout(),
		Gate:           d,
		Bus:            d.bus,
		Logger:         logger,
	}

	return d, nil
}

// Lookup resolves a target against the current catalog, so in-flight runs
// always see a consistent snapshot even across reloads.
func (d *Daemon) Lookup(name string) (model.Target, catalog.Disposition) {
	return d.catalog.Load().Lookup(name)
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// start brings up all daemon components without blocking on signals.
func (d *Daemon) start() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Join(d.bridgeDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.log(LogLevelInfo, "daemon starting pid=%d makefile=%s session=%s", os.Getpid(), d.makefilePath, d.session)

	// Step 2: Initial parse
	if _, err := d.reload(); err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("initial parse: %w", err)
	}

	// Step 3: Run log + event subscription
	runLogger, err := events.NewRunLogger(filepath.Join(d.bridgeDir, "logs", "runs.jsonl"), 0)
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("open run log: %w", err)
	}
	d.runLogger = runLogger
	d.bus.SubscribeAll(func(ev events.Event) {
		if err := d.runLogger.Record(ev); err != nil {
			d.log(LogLevelWarn, "run log write failed: %v", err)
		}
	})

	// Step 4: Register UDS handlers and start the server
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.bridgeDir, uds.DefaultSocketName))

	// Step 5: Optional Makefile watcher
	if d.config.Watcher.Enabled {
		if err := d.startWatcher(); err != nil {
			d.cleanup()
			return fmt.Errorf("start watcher: %w", err)
		}
	}

	total, exposed := d.catalog.Load().Size()
	d.log(LogLevelInfo, "daemon ready targets=%d exposed=%d", total, exposed)
	return nil
}

// reload re-parses the Makefile, swaps in a fresh catalog, and snapshots it.
// Concurrent calls are coalesced; all callers observe the same outcome.
func (d *Daemon) reload() (*catalog.Catalog, error) {
	v, err, _ := d.reloadGroup.Do("reload", func() (any, error) {
		inv, err := makefile.ParseFile(d.makefilePath)
		if err != nil {
			return nil, err
		}
		cat := catalog.Build(inv, d.config.Targets.Allowed)
		d.catalog.Store(cat)

		if err := d.writeSnapshot(cat); err != nil {
			d.log(LogLevelWarn, "catalog snapshot failed: %v", err)
		}

		total, exposed := cat.Size()
		d.log(LogLevelInfo, "catalog loaded targets=%d exposed=%d", total, exposed)
		return cat, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*catalog.Catalog), nil
}

type catalogSnapshot struct {
	GeneratedAt time.Time      `yaml:"generated_at"`
	Makefile    string         `yaml:"makefile"`
	Categories  []string       `yaml:"categories,omitempty"`
	Exposed     []model.Target `yaml:"exposed"`
	Hidden      []string       `yaml:"hidden,omitempty"`
}

// writeSnapshot persists the exposed catalog to state/catalog.yaml for
// offline inspection.
func (d *Daemon) writeSnapshot(cat *catalog.Catalog) error {
	stateDir := filepath.Join(d.bridgeDir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	snap := catalogSnapshot{
		GeneratedAt: time.Now().UTC(),
		Makefile:    d.makefilePath,
		Categories:  cat.Inventory().Categories,
		Exposed:     cat.Exposed(),
	}
	for _, t := range cat.Hidden() {
		snap.Hidden = append(snap.Hidden, t.Name)
	}

	return yamlio.AtomicWrite(filepath.Join(stateDir, "catalog.yaml"), snap)
}

// startWatcher watches the Makefile's directory and funnels debounced
// change events into the reload path.
func (d *Daemon) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which ends the watch on a direct file watch.
	if err := watcher.Add(filepath.Dir(d.makefilePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.makefilePath), err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.watchLoop()
	return nil
}

// watchLoop debounces Makefile change events before reloading.
func (d *Daemon) watchLoop() {
	defer d.wg.Done()

	debounce := time.Duration(d.config.Watcher.DebounceMs) * time.Millisecond
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-d.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Name != d.makefilePath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		case <-timerCh:
			timer = nil
			timerCh = nil
			if _, err := d.reload(); err != nil {
				d.log(LogLevelError, "reload after change failed: %v", err)
			}
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Stop the watcher so no new reloads fire
		if d.watcher != nil {
			d.watcher.Close()
		}

		// 2. Stop the server; in-flight requests (including running
		// targets) get until the shutdown timeout, then their runs are
		// cancelled.
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		stopped := make(chan struct{})
		go func() {
			if d.server != nil {
				d.server.Stop()
			}
			close(stopped)
		}()

		select {
		case <-stopped:
			d.log(LogLevelInfo, "all connections drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, cancelling in-flight runs", timeout)
			d.cancel()
			<-stopped
		}

		// 3. Stop remaining background loops
		d.cancel()
		d.wg.Wait()

		// 4. Cleanup
		d.bus.Close()
		if d.runLogger != nil {
			d.runLogger.Close()
		}
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.bridgeDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
