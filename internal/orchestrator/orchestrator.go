// Package orchestrator wires the Sync Engine, Download Coordinator, Catalog
// Store and Remote Adapter behind a single command/status channel pair,
// following the suture.Service supervision pattern used across the example
// pack (§4.5).
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhonus/jellytui-core/internal/catalog"
	"github.com/dhonus/jellytui-core/internal/config"
	"github.com/dhonus/jellytui-core/internal/download"
	"github.com/dhonus/jellytui-core/internal/model"
	"github.com/dhonus/jellytui-core/internal/resilience"
	syncengine "github.com/dhonus/jellytui-core/internal/sync"
	"github.com/dhonus/jellytui-core/internal/telemetry"
)

const (
	updateTick          = 1 * time.Second
	periodicFullRefresh = 10 * time.Minute
	staleLibraryWindow  = 600 // seconds (§4.5)
	maxQueuedArtists    = 3   // at most 3 distinct Discography tasks queued (§4.3.5)
)

// Mode gates which commands the Orchestrator will act on. Mode 1 (offline)
// accepts only local catalog mutations; Mode 2 (online) accepts everything.
type Mode int

const (
	ModeOffline Mode = iota
	ModeOnline
)

type taskKind int

const (
	taskGlobalUpdate taskKind = iota
	taskDiscography
	taskPlaylist
	taskOfflineRepair
)

type task struct {
	kind taskKind
	id   string
}

// RemoteReporter is the subset of *remote.Client the orchestrator calls
// directly, outside of the Sync Engine / Download Coordinator.
type RemoteReporter interface {
	Probe(ctx context.Context) model.NetworkQuality
	FetchCoverArt(ctx context.Context, parentID, destPath string) error
	ReportPlaybackStart(ctx context.Context, itemID string) error
	ReportPlaybackStop(ctx context.Context, itemID string, positionTicks *int64) error
	ReportProgress(ctx context.Context, report model.ProgressReport) error
}

// Orchestrator is the single suture.Service tying everything together. It
// enforces I7 (at most one background task in flight) via the running flag
// guarded by mu: Serve's select loop stays responsive to inbound commands
// while a Sync Engine task or download-pump step runs on its own goroutine.
type Orchestrator struct {
	db       *catalog.DB
	se       *syncengine.Engine
	dc       *download.Coordinator
	rc       RemoteReporter
	guard    *resilience.Guard
	cfg      *config.Config
	serverID string

	commands <-chan model.Command
	statuses chan<- model.Status
	log      zerolog.Logger

	mu      sync.Mutex
	mode    Mode
	queue   []task
	quality model.NetworkQuality
	running bool // a background task is executing on its own goroutine
}

// New builds an Orchestrator. Callers decide the channel buffering; statuses
// is shared with the Sync Engine and Download Coordinator constructors.
func New(
	db *catalog.DB,
	se *syncengine.Engine,
	dc *download.Coordinator,
	rc RemoteReporter,
	guard *resilience.Guard,
	cfg *config.Config,
	serverID string,
	commands <-chan model.Command,
	statuses chan<- model.Status,
	log zerolog.Logger,
	startMode Mode,
) *Orchestrator {
	return &Orchestrator{
		db:       db,
		se:       se,
		dc:       dc,
		rc:       rc,
		guard:    guard,
		cfg:      cfg,
		serverID: serverID,
		commands: commands,
		statuses: statuses,
		log:      log.With().Str("component", "orchestrator").Logger(),
		mode:     startMode,
	}
}

func (o *Orchestrator) emit(st model.Status) {
	select {
	case o.statuses <- st:
	default:
		o.log.Warn().Msg("status channel full, dropping status")
	}
}

// Serve implements suture.Service.
//
// Background work (a Sync Engine task or a download-pump step) runs on its
// own goroutine rather than inline on this select loop: a task that blocks on
// I/O for seconds must never delay reading o.commands, or a CmdCancelDownloads
// sitting behind it would never reach the Download Coordinator's cancel
// channel until the transfer it's meant to interrupt already finished (§4.4.1,
// S2). I7 (at most one background task in flight) is enforced by o.running
// under o.mu instead of by serializing everything on this goroutine.
func (o *Orchestrator) Serve(ctx context.Context) error {
	o.log.Info().Msg("orchestrator starting")

	if lastUpdate, err := o.db.GetLastLibraryUpdate(ctx); err == nil {
		if time.Now().Unix()-lastUpdate >= staleLibraryWindow {
			o.enqueueGlobalUpdate()
		}
	}

	updateTimer := time.NewTicker(updateTick)
	defer updateTimer.Stop()
	// Offset the first full refresh so it doesn't always coincide with a
	// freshly started sync from the staleness check above.
	refreshTimer := time.NewTimer(periodicFullRefresh / 2)
	defer refreshTimer.Stop()
	netTimer := time.NewTimer(o.netCheckInterval())
	defer netTimer.Stop()

	taskDone := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd, ok := <-o.commands:
			if !ok {
				return nil
			}
			o.handleCommand(ctx, cmd)

		case <-updateTimer.C:
			o.startStepIfIdle(ctx, taskDone)

		case <-taskDone:
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()

		case <-refreshTimer.C:
			// §4.5/S6: a periodic refresh only fires online at Normal quality;
			// a degraded or offline connection just waits for the next tick.
			if o.mode == ModeOnline && o.currentQuality() == model.QualityNormal {
				o.enqueueGlobalUpdate()
			}
			refreshTimer.Reset(periodicFullRefresh)

		case <-netTimer.C:
			o.recheckNetworkQuality(ctx)
			netTimer.Reset(o.netCheckInterval())
		}
	}
}

// startStepIfIdle launches runOneStep on its own goroutine unless one is
// already running, signaling taskDone on completion so Serve can clear
// o.running. Skipping while running enforces I7 without blocking this
// goroutine on the step itself.
func (o *Orchestrator) startStepIfIdle(ctx context.Context, done chan<- struct{}) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	go func() {
		o.runOneStep(ctx)
		done <- struct{}{}
	}()
}

// netCheckInterval adapts polling cadence to the last known quality (§6.6):
// a degraded connection is polled more often (90s in Slow, 30s in
// CzechTrain) than a Normal one (180s).
func (o *Orchestrator) netCheckInterval() time.Duration {
	switch o.currentQuality() {
	case model.QualitySlow:
		return 90 * time.Second
	case model.QualityCzechTrain:
		return 30 * time.Second
	default:
		return 180 * time.Second
	}
}

func (o *Orchestrator) currentQuality() model.NetworkQuality {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quality
}

func (o *Orchestrator) recheckNetworkQuality(ctx context.Context) {
	q := o.rc.Probe(ctx)

	o.mu.Lock()
	changed := o.quality != q
	o.quality = q
	o.mu.Unlock()

	telemetry.NetworkQualityGauge.Set(telemetry.QualityGaugeValue(string(q)))
	if changed {
		o.guard.Reprogram(q)
		o.emit(model.Status{Kind: model.StNetworkQualityChanged, Quality: q})
	}
}

// runOneStep does at most one unit of background work per invocation: first
// drain the task queue (Sync Engine work), otherwise advance the download
// pump one track (§4.4). It runs on its own goroutine per call (see
// startStepIfIdle); o.running keeps two of these from ever overlapping.
func (o *Orchestrator) runOneStep(ctx context.Context) {
	if o.mode == ModeOffline {
		return
	}
	if o.guard.Blocked() {
		return
	}
	if o.currentQuality() == model.QualityCzechTrain {
		// §4.5/S6: in CzechTrain, OR does not start new downloads or refreshes.
		return
	}

	if t, ok := o.dequeue(); ok {
		o.runTask(ctx, t)
		return
	}

	if err := o.dc.RunPump(ctx); err != nil {
		o.log.Error().Err(err).Msg("download pump step failed")
	}
}

func (o *Orchestrator) runTask(ctx context.Context, t task) {
	var err error
	switch t.kind {
	case taskGlobalUpdate:
		err = o.se.RunGlobalUpdate(ctx)
	case taskDiscography:
		err = o.se.RunDiscographyUpdate(ctx, t.id)
	case taskPlaylist:
		err = o.se.RunPlaylistUpdate(ctx, t.id)
	case taskOfflineRepair:
		err = o.dc.OfflineRepair(ctx)
	}
	if err != nil {
		o.log.Error().Err(err).Int("kind", int(t.kind)).Str("id", t.id).Msg("task failed")
	}
}

func (o *Orchestrator) enqueueGlobalUpdate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.queue {
		if t.kind == taskGlobalUpdate {
			return // at most one Library entry (§4.3.5)
		}
	}
	o.queue = append(o.queue, task{kind: taskGlobalUpdate})
}

func (o *Orchestrator) enqueueDiscography(artistID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	seen := 0
	for _, t := range o.queue {
		if t.kind == taskDiscography {
			if t.id == artistID {
				return
			}
			seen++
		}
	}
	if seen >= maxQueuedArtists {
		return
	}
	o.queue = append(o.queue, task{kind: taskDiscography, id: artistID})
}

func (o *Orchestrator) enqueuePlaylist(playlistID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.queue {
		if t.kind == taskPlaylist && t.id == playlistID {
			return
		}
	}
	o.queue = append(o.queue, task{kind: taskPlaylist, id: playlistID})
}

func (o *Orchestrator) enqueueOfflineRepair() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.queue {
		if t.kind == taskOfflineRepair {
			return
		}
	}
	o.queue = append(o.queue, task{kind: taskOfflineRepair})
}

func (o *Orchestrator) dequeue() (task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return task{}, false
	}
	t := o.queue[0]
	o.queue = o.queue[1:]
	return t, true
}

// handleCommand implements §6.1's command surface, split between tasks that
// go through the de-duplicated queue and local mutations applied directly
// against the Catalog Store.
func (o *Orchestrator) handleCommand(ctx context.Context, cmd model.Command) {
	if o.mode == ModeOffline {
		switch cmd.Kind {
		case model.CmdRemoveTrack, model.CmdRemoveTracks, model.CmdUpdateSongPlayed,
			model.CmdUpdateOfflineRepair, model.CmdRenamePlaylist, model.CmdDeletePlaylist,
			model.CmdDislikeTrack:
		default:
			o.log.Info().Int("kind", int(cmd.Kind)).Msg("offline: dropping command")
			return
		}
	}

	switch cmd.Kind {
	case model.CmdUpdateLibrary:
		o.enqueueGlobalUpdate()

	case model.CmdUpdateDiscography:
		o.enqueueDiscography(cmd.ArtistID)

	case model.CmdUpdatePlaylist:
		o.enqueuePlaylist(cmd.PlaylistID)

	case model.CmdUpdateOfflineRepair:
		o.enqueueOfflineRepair()

	case model.CmdCancelDownloads:
		// Takes effect immediately rather than through the queue: a cancel
		// that waited behind a sync task would defeat the point (§4.4.1).
		if err := o.dc.CancelDownloads(ctx); err != nil {
			o.log.Error().Err(err).Msg("cancel downloads failed")
		}

	case model.CmdDownloadTrack:
		o.queueTrackForDownload(ctx, cmd.Track.ID)

	case model.CmdDownloadTracks:
		for _, tr := range cmd.Tracks {
			o.queueTrackForDownload(ctx, tr.ID)
		}

	case model.CmdRemoveTrack:
		o.removeDownloadedTrack(ctx, cmd.Track)

	case model.CmdRemoveTracks:
		for _, tr := range cmd.Tracks {
			o.removeDownloadedTrack(ctx, tr)
		}

	case model.CmdDownloadCoverArt:
		o.fetchCoverArtDirect(ctx, cmd.ItemID)

	case model.CmdUpdateSongPlayed:
		if err := o.db.SetLastPlayed(ctx, cmd.TrackID, time.Now().Unix()); err != nil {
			o.log.Error().Err(err).Str("track_id", cmd.TrackID).Msg("set last played failed")
		}

	case model.CmdDislikeTrack:
		if err := o.db.SetDisliked(ctx, cmd.TrackID, cmd.Disliked); err != nil {
			o.log.Error().Err(err).Str("track_id", cmd.TrackID).Msg("set disliked failed")
		}

	case model.CmdRenamePlaylist:
		if err := o.db.RenamePlaylistLocal(ctx, cmd.PlaylistID, cmd.NewName); err != nil {
			o.log.Error().Err(err).Str("playlist_id", cmd.PlaylistID).Msg("rename playlist failed")
		}

	case model.CmdDeletePlaylist:
		if err := o.db.DeletePlaylistLocal(ctx, cmd.PlaylistID); err != nil {
			o.log.Error().Err(err).Str("playlist_id", cmd.PlaylistID).Msg("delete playlist failed")
		}

	case model.CmdJellyfinPlaying:
		if o.mode == ModeOnline {
			if err := o.rc.ReportPlaybackStart(ctx, cmd.ItemID); err != nil {
				o.log.Debug().Err(err).Msg("report playback start failed")
			}
		}

	case model.CmdJellyfinStopped:
		if o.mode == ModeOnline {
			if err := o.rc.ReportPlaybackStop(ctx, cmd.ItemID, cmd.PositionTicks); err != nil {
				o.log.Debug().Err(err).Msg("report playback stop failed")
			}
		}

	case model.CmdJellyfinReportProgress:
		if o.mode == ModeOnline {
			if err := o.rc.ReportProgress(ctx, cmd.Report); err != nil {
				o.log.Debug().Err(err).Msg("report progress failed")
			}
		}
	}
}

func (o *Orchestrator) queueTrackForDownload(ctx context.Context, trackID string) {
	if err := o.db.SetDownloadQueued(ctx, trackID); err != nil {
		o.log.Error().Err(err).Str("track_id", trackID).Msg("queue download failed")
		return
	}
	o.emit(model.Status{Kind: model.StTrackQueued, ID: trackID})
}

func (o *Orchestrator) removeDownloadedTrack(ctx context.Context, track model.Track) {
	path := filepath.Join(o.cfg.DownloadsRoot(o.serverID), track.AlbumID, track.ID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		o.log.Error().Err(err).Str("track_id", track.ID).Msg("remove downloaded file failed")
	}
	if err := o.db.ResetDownload(ctx, track.ID, model.NotDownloaded); err != nil {
		o.log.Error().Err(err).Str("track_id", track.ID).Msg("reset track after removal failed")
		return
	}
	o.emit(model.Status{Kind: model.StTrackDeleted, ID: track.ID})
}

func (o *Orchestrator) fetchCoverArtDirect(ctx context.Context, parentID string) {
	if parentID == "" || o.mode == ModeOffline {
		return
	}
	destPath := filepath.Join(o.cfg.CoversRoot(), parentID)
	if _, err := os.Stat(destPath); err == nil {
		return
	}
	if err := o.rc.FetchCoverArt(ctx, parentID, destPath); err != nil {
		o.log.Debug().Err(err).Str("parent_id", parentID).Msg("cover art fetch failed")
		return
	}
	o.emit(model.Status{Kind: model.StCoverArtDownloaded, ItemID: parentID})
}

// SetMode switches between Mode 1 (offline) and Mode 2 (online), e.g. after
// the collaborator observes a connectivity change out of band.
func (o *Orchestrator) SetMode(m Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mode = m
}
