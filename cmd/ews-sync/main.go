package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joshsymonds/ewssync/internal/config"
	"github.com/joshsymonds/ewssync/internal/ews"
	"github.com/joshsymonds/ewssync/internal/foldersync"
	"github.com/joshsymonds/ewssync/internal/msgfetch"
	"github.com/joshsymonds/ewssync/internal/queue"
	"github.com/joshsymonds/ewssync/internal/rate"
	"github.com/joshsymonds/ewssync/internal/runtime"
	"github.com/joshsymonds/ewssync/internal/store"
	"github.com/joshsymonds/ewssync/internal/store/sqlite"
)

type syncFlags struct {
	folders string
	dryRun  bool
	fetch   string
	outDir  string
}

func main() {
	flags := parseSyncFlags()
	if err := run(flags); err != nil {
		runtime.DefaultLogger().Error("ews-sync failed", "error", err)
		os.Exit(1)
	}
}

func parseSyncFlags() syncFlags {
	folders := flag.String("folders", "inbox", "comma separated folder ids or well-known names to synchronize")
	dryRun := flag.Bool("dry-run", false, "keep state in memory; nothing is persisted")
	fetch := flag.String("fetch", "", "comma separated item ids whose MIME content to download")
	outDir := flag.String("out", ".", "directory for downloaded .eml files")
	flag.Parse()

	return syncFlags{folders: *folders, dryRun: *dryRun, fetch: *fetch, outDir: *outDir}
}

func run(flags syncFlags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, _ := cfg.Level()
	logger := runtime.NewLogger(level)

	creds, err := runtime.NewCredentials(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build credentials: %w", err)
	}
	version, ok := ews.ParseServerVersion(cfg.ServerVersion)
	if !ok {
		return fmt.Errorf("unknown EWS_SERVER_VERSION %q", cfg.ServerVersion)
	}
	var limiter rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewTokenBucket(cfg.RPS)
	}
	client, err := runtime.NewEWSClient(cfg.URL, creds, limiter, logger, version)
	if err != nil {
		return fmt.Errorf("create ews client: %w", err)
	}

	q := queue.New[ews.Client](client, logger)
	if cfg.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		q.Metrics = queue.NewMetrics(reg)
		srv := serveMetrics(cfg.MetricsAddress, reg, logger)
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	folders, closeStore, err := openFolders(ctx, cfg, flags, splitList(flags.folders))
	if err != nil {
		return err
	}
	defer closeStore()

	results := &outcomes{}
	q.Start(ctx, cfg.Runners)
	for _, f := range folders {
		folderID := f.id
		listener := foldersync.NewListener(f.folder, func(err error) { results.add(folderID, err) })
		if err := q.Enqueue(foldersync.New(listener, folderID, f.token, logger)); err != nil {
			return fmt.Errorf("enqueue sync of %s: %w", folderID, err)
		}
	}
	if ids := splitList(flags.fetch); len(ids) > 0 {
		w := &emlWriter{dir: flags.outDir, done: func(err error) { results.add("fetch", err) }}
		if err := q.Enqueue(msgfetch.New(w, ids, logger)); err != nil {
			return fmt.Errorf("enqueue fetch: %w", err)
		}
	}
	q.Stop()
	q.Wait()

	return results.err()
}

type folderTarget struct {
	id     string
	folder store.Folder
	token  string
}

func openFolders(
	ctx context.Context,
	cfg *config.Config,
	flags syncFlags,
	ids []string,
) ([]folderTarget, func(), error) {
	if flags.dryRun || cfg.StorePath == "" {
		out := make([]folderTarget, 0, len(ids))
		for _, id := range ids {
			out = append(out, folderTarget{id: id, folder: store.NewMemory()})
		}
		return out, func() {}, nil
	}
	db, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	out := make([]folderTarget, 0, len(ids))
	for _, id := range ids {
		folder := db.Folder(id)
		token, err := folder.SyncState(ctx)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("read sync state of %s: %w", id, err)
		}
		out = append(out, folderTarget{id: id, folder: folder, token: token})
	}
	return out, func() { _ = db.Close() }, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

type outcomes struct {
	mu   sync.Mutex
	errs []error
}

func (o *outcomes) add(name string, err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, fmt.Errorf("%s: %w", name, err))
}

func (o *outcomes) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return errors.Join(o.errs...)
}

// emlWriter saves fetched messages as <dir>/<item id>.eml.
type emlWriter struct {
	dir  string
	done func(error)
}

func (w *emlWriter) OnMessageFetched(_ context.Context, itemID string, mime []byte) error {
	name := strings.NewReplacer("/", "_", "+", "-", "=", "").Replace(itemID) + ".eml"
	return os.WriteFile(filepath.Join(w.dir, name), mime, 0o600)
}

func (w *emlWriter) OnSuccess(_ context.Context) {
	w.done(nil)
}

func (w *emlWriter) OnFailure(_ context.Context, err error) {
	w.done(err)
}

func splitList(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
