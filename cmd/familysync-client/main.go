package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/familysync/familysync/internal/config"
	"github.com/familysync/familysync/internal/connectivity"
	"github.com/familysync/familysync/internal/localstore"
	"github.com/familysync/familysync/internal/metrics"
	"github.com/familysync/familysync/internal/offlinesync"
)

const usage = `usage: familysync-client [flags] <command> [args]

commands:
  run                       keep the local store in sync until interrupted
  add <name> [quantity]     add a shopping item
  toggle <id> <true|false>  check or uncheck an item
  delete <id>               delete an item
  clear-completed           remove checked items
  items                     print cached shopping items
  events                    print cached calendar events
  sync                      drain queued changes and refresh everything
  status                    print queue length and last sync times
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("familysync-client: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("familysync-client", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", envOrDefault("FAMILYSYNC_CONFIG", defaultConfigPath()), "YAML config file")
	serverURL := fs.String("server", "", "server base URL")
	token := fs.String("token", "", "bearer token")
	dbPath := fs.String("db", "", "local database path")
	offline := fs.Bool("offline", false, "never contact the server; queue every change")
	interval := fs.Duration("interval", 0, "sync interval for run")
	intervalJitter := fs.Float64("interval-jitter", 0, "sync interval jitter ratio (0.0-1.0)")
	timeout := fs.Duration("timeout", 0, "per-request and per-sync timeout")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address during run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("command is required")
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.ServerURL = strings.TrimSpace(*serverURL)
		case "token":
			cfg.Token = strings.TrimSpace(*token)
		case "db":
			cfg.DBPath = strings.TrimSpace(*dbPath)
		case "offline":
			cfg.Offline = *offline
		case "interval":
			cfg.Interval = *interval
		case "interval-jitter":
			cfg.IntervalJitter = *intervalJitter
		case "timeout":
			cfg.Timeout = *timeout
		case "metrics-addr":
			cfg.MetricsAddr = strings.TrimSpace(*metricsAddr)
		}
	})
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.IntervalJitter = clampJitterRatio(cfg.IntervalJitter)

	command, rest := fs.Arg(0), fs.Args()[1:]
	if command == "run" {
		return runDaemon(cfg)
	}

	store, err := localstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// One-shot commands assume the server is reachable unless told
	// otherwise; remote failures still fall back to the queue.
	engine, err := newEngine(cfg, store, connectivity.NewManual(!cfg.Offline), nil)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Timeout)
	defer cancelTimeout()

	out, err := runCommand(ctx, engine, command, rest)
	if err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func runCommand(ctx context.Context, engine *offlinesync.Engine, command string, args []string) (any, error) {
	switch command {
	case "add":
		if len(args) < 1 || len(args) > 2 {
			return nil, errors.New("usage: add <name> [quantity]")
		}
		quantity := ""
		if len(args) == 2 {
			quantity = args[1]
		}
		return engine.AddItem(ctx, args[0], quantity)
	case "toggle":
		if len(args) != 2 {
			return nil, errors.New("usage: toggle <id> <true|false>")
		}
		id, err := localstore.ParseID(args[0])
		if err != nil {
			return nil, err
		}
		checked, err := strconv.ParseBool(args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid checked value %q", args[1])
		}
		return engine.ToggleItem(ctx, id, checked)
	case "delete":
		if len(args) != 1 {
			return nil, errors.New("usage: delete <id>")
		}
		id, err := localstore.ParseID(args[0])
		if err != nil {
			return nil, err
		}
		if err := engine.DeleteItem(ctx, id); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": id.String()}, nil
	case "clear-completed":
		if err := engine.ClearCompleted(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"cleared": true}, nil
	case "items":
		return engine.LoadItems(ctx)
	case "events":
		return engine.LoadEvents(ctx)
	case "sync":
		shopping, shoppingErr := engine.SyncShopping(ctx)
		calendar, calendarErr := engine.SyncCalendar(ctx)
		out := map[string]any{"shopping": shopping, "calendar": calendar}
		if errs := collectErrors(shoppingErr, calendarErr); len(errs) > 0 {
			out["errors"] = errs
		}
		return out, nil
	case "status":
		return engine.GetSyncStatus(ctx)
	}
	return nil, fmt.Errorf("unknown command %q", command)
}

func runDaemon(cfg config.ClientConfig) error {
	store, err := localstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var oracle connectivity.Oracle
	var watcher *connectivity.SocketWatcher
	if cfg.Offline {
		oracle = connectivity.NewManual(false)
	} else {
		streamURL, err := streamURLFor(cfg.ServerURL)
		if err != nil {
			return err
		}
		watcher, err = connectivity.NewSocketWatcher(connectivity.SocketWatcherOptions{
			URL:         streamURL,
			Token:       cfg.Token,
			DialTimeout: cfg.Timeout,
			Logger:      log.Default(),
		})
		if err != nil {
			return err
		}
		oracle = watcher
	}

	wake := offlinesync.NewWakeQueue()
	engine, err := newEngine(cfg, store, oracle, wake)
	if err != nil {
		return err
	}
	engine.Subscribe(func(ev offlinesync.Event) {
		if ev.Err != nil {
			log.Printf("sync %s %s: %v", ev.Category, ev.Type, ev.Err)
			return
		}
		log.Printf("sync %s %s", ev.Category, ev.Type)
	})

	shoppingChanged := make(chan struct{}, 1)
	calendarChanged := make(chan struct{}, 1)
	if watcher != nil {
		watcher.OnMessage(func(msg connectivity.StreamMessage) {
			switch msg.Type {
			case connectivity.MessageSyncShopping:
				notify(shoppingChanged)
			case connectivity.MessageSyncCalendar:
				notify(calendarChanged)
			}
		})
		go func() {
			if err := watcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("sync stream stopped: %v", err)
			}
		}()
	}
	go func() {
		if err := wake.Run(rootCtx, oracle, engine.HandleTrigger); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("background sync stopped: %v", err)
		}
	}()

	var dbChanged <-chan struct{}
	if cfg.WatchDB {
		changes, closeWatch, err := watchDatabase(cfg.DBPath)
		if err != nil {
			log.Printf("database watch disabled: %v", err)
		} else {
			defer closeWatch()
			dbChanged = changes
		}
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server failed: %v", err)
			}
		}()
		defer metricsServer.Close()
	}

	engine.Start(rootCtx)
	defer engine.Stop()

	syncAll := func() {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.Timeout)
		defer cancel()
		if err := engine.ForceSyncAll(ctx); err != nil {
			if errors.Is(err, offlinesync.ErrOffline) {
				return
			}
			log.Printf("sync cycle failed: %v", err)
			return
		}
		log.Printf("sync cycle completed")
	}
	syncCategory := func(sync func(context.Context) (offlinesync.SyncResult, error)) {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.Timeout)
		defer cancel()
		if _, err := sync(ctx); err != nil && !errors.Is(err, offlinesync.ErrOffline) {
			log.Printf("sync failed: %v", err)
		}
	}
	syncAll()

	watch, err := newQueueWatch(rootCtx, store.Queue())
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("client stopping: %v", rootCtx.Err())
			return nil
		case <-timer.C:
			syncAll()
			timer.Reset(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
		case <-shoppingChanged:
			syncCategory(engine.SyncShopping)
		case <-calendarChanged:
			syncCategory(engine.SyncCalendar)
		case <-dbChanged:
			ctx, cancel := context.WithTimeout(rootCtx, cfg.Timeout)
			if _, err := drainOnQueueGrowth(ctx, engine, oracle, watch); err != nil && !errors.Is(err, offlinesync.ErrOffline) {
				log.Printf("sync after database change failed: %v", err)
			}
			cancel()
		}
	}
}

// queueWatch remembers the newest queue entry the daemon has seen, so the
// daemon's own writes to the database do not start another drain.
type queueWatch struct {
	queue *localstore.Queue
	seen  int64
}

func newQueueWatch(ctx context.Context, queue *localstore.Queue) (*queueWatch, error) {
	last, err := queue.LastID(ctx)
	if err != nil {
		return nil, err
	}
	return &queueWatch{queue: queue, seen: last}, nil
}

func (w *queueWatch) grew(ctx context.Context) (bool, error) {
	last, err := w.queue.LastID(ctx)
	if err != nil {
		return false, err
	}
	if last <= w.seen {
		return false, nil
	}
	w.seen = last
	return true, nil
}

// drainOnQueueGrowth drains shopping changes only when another process has
// enqueued something since the last look. Entries that failed to replay wait
// for the next timer tick, reconnect or stream message.
func drainOnQueueGrowth(ctx context.Context, engine *offlinesync.Engine, oracle connectivity.Oracle, watch *queueWatch) (bool, error) {
	if !oracle.IsOnline() {
		return false, nil
	}
	grew, err := watch.grew(ctx)
	if err != nil || !grew {
		return false, err
	}
	_, err = engine.SyncShopping(ctx)
	return true, err
}

func newEngine(cfg config.ClientConfig, store *localstore.Store, oracle connectivity.Oracle, trigger offlinesync.BackgroundTrigger) (*offlinesync.Engine, error) {
	remote := offlinesync.NewHTTPClient(cfg.ServerURL, cfg.Token, &http.Client{Timeout: cfg.Timeout})
	opts := offlinesync.EngineOptions{
		Store:           store,
		Remote:          remote,
		Oracle:          oracle,
		Trigger:         trigger,
		Logger:          log.Default(),
		DefaultListName: cfg.DefaultListName,
	}
	return offlinesync.NewEngine(opts)
}

// watchDatabase reports writes to the database file (or its WAL) made by
// other processes, such as one-shot commands run while the daemon is up.
func watchDatabase(dbPath string) (<-chan struct{}, func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	dir := filepath.Dir(dbPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, err
	}
	base := filepath.Base(dbPath)
	changes := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if isDatabaseWrite(ev, base) {
					notify(changes)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("database watch error: %v", err)
			}
		}
	}()
	return changes, watcher.Close, nil
}

func isDatabaseWrite(ev fsnotify.Event, base string) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Base(ev.Name)
	return name == base || name == base+"-wal"
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func streamURLFor(serverURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid server url %q", serverURL)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/sync/stream"
	parsed.RawQuery = ""
	return parsed.String(), nil
}

func collectErrors(errs ...error) []string {
	var out []string
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "familysync", "client.yaml")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
