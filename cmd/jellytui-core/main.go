// Command jellytui-core runs the library-sync and offline-cache engine as a
// standalone process: it authenticates against a Jellyfin-compatible server,
// opens the local catalog, and serves the Sync Engine / Download Coordinator
// / Orchestrator trio until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/dhonus/jellytui-core/internal/catalog"
	"github.com/dhonus/jellytui-core/internal/config"
	"github.com/dhonus/jellytui-core/internal/download"
	"github.com/dhonus/jellytui-core/internal/logging"
	"github.com/dhonus/jellytui-core/internal/model"
	"github.com/dhonus/jellytui-core/internal/orchestrator"
	"github.com/dhonus/jellytui-core/internal/remote"
	"github.com/dhonus/jellytui-core/internal/resilience"
	syncengine "github.com/dhonus/jellytui-core/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := remote.New(cfg.ServerURL, "jellytui", cfg.DeviceName, cfg.DeviceID, "1.0", log)
	creds, err := rc.Authenticate(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	log.Info().Str("server_id", creds.ServerID).Msg("authenticated")

	db, err := catalog.Open(cfg.DatabasePath(creds.ServerID), true, logging.WithComponent(log, "catalog"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer db.Close()

	wireFileExistsHook(cfg, creds.ServerID)

	go serveMetrics(metricsAddr, logging.WithComponent(log, "metrics"))

	commands := make(chan model.Command, 32)
	statuses := make(chan model.Status, 256)
	go logStatuses(statuses, logging.WithComponent(log, "status"))

	guard := resilience.NewGuard("remote-adapter", 5)
	se := syncengine.New(db, rc, guard, cfg.Thresholds, log, statuses)
	dc := download.New(db, rc, guard, cfg, creds.ServerID, log, statuses, 4)
	or := orchestrator.New(db, se, dc, rc, guard, cfg, creds.ServerID, commands, statuses, log, orchestrator.ModeOnline)

	eventLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	supervisor := suture.New("jellytui-core", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: eventLogger}).MustHook(),
	})
	supervisor.Add(or)

	log.Info().Msg("serving")
	return supervisor.Serve(ctx)
}

// wireFileExistsHook connects the Catalog Store's I2-reconciliation hook to
// the real on-disk layout, without the catalog package needing to know
// anything about the downloads directory structure (§4.3.2 note, §9).
func wireFileExistsHook(cfg *config.Config, serverID string) {
	catalog.FileExists = func(trackID, albumID string) (bool, bool) {
		path := filepath.Join(cfg.DownloadsRoot(serverID), albumID, trackID)
		_, err := os.Stat(path)
		if err == nil {
			return true, true
		}
		if os.IsNotExist(err) {
			return false, true
		}
		return false, false
	}
}

func logStatuses(statuses <-chan model.Status, log zerolog.Logger) {
	for st := range statuses {
		log.Info().Int("kind", int(st.Kind)).Msg("status")
	}
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
