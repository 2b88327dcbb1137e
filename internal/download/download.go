// Package download implements the Download Coordinator (DC): a
// single-flight, priority-ordered fetcher of audio bytes into the on-disk
// cache, with 200ms-granularity progress and cancellation (§4.4).
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dhonus/jellytui-core/internal/catalog"
	"github.com/dhonus/jellytui-core/internal/config"
	"github.com/dhonus/jellytui-core/internal/errs"
	"github.com/dhonus/jellytui-core/internal/model"
	"github.com/dhonus/jellytui-core/internal/remote"
	"github.com/dhonus/jellytui-core/internal/resilience"
	"github.com/dhonus/jellytui-core/internal/telemetry"
)

// progressTick is the policy knob §9 calls out: smaller values cut cancel
// latency, larger ones cut channel traffic.
const progressTick = 200 * time.Millisecond

// terminalProgressBeforeCommit is what gets reported once bytes finish
// streaming but before the row flips to Downloaded (B3).
const terminalProgressBeforeCommit = 99.9

// RemoteClient is the subset of *remote.Client the coordinator needs.
type RemoteClient interface {
	StreamTrack(ctx context.Context, trackID string, profile remote.TranscodeProfile) (body *resty.Response, contentLength int64, err error)
	FetchCoverArt(ctx context.Context, parentID, destPath string) error
	FetchLyrics(ctx context.Context, trackID string) ([]model.LyricLine, error)
}

// Coordinator is the Download Coordinator. It holds no queue of its own —
// candidates are read straight from the Catalog Store each pump — which is
// what lets CancelDownloads and offline-repair reason about a single source
// of truth (§4.4).
type Coordinator struct {
	db       *catalog.DB
	rc       RemoteClient
	guard    *resilience.Guard
	cfg      *config.Config
	serverID string
	log      zerolog.Logger
	statuses chan<- model.Status

	// cancelCh carries batches of cancelled track ids. CancelDownloads sends to
	// it (non-blocking, per §5 "senders ignore send errors"); the active
	// download's progress-tick loop drains it.
	cancelCh chan []string
}

// New builds a Coordinator. cancelBacklog should be small (§5 suggests 4).
// guard is shared with the Orchestrator and Sync Engine, so a trip here
// (e.g. repeated stream failures) is visible to the Orchestrator's
// guard.Blocked() check too.
func New(db *catalog.DB, rc RemoteClient, guard *resilience.Guard, cfg *config.Config, serverID string, log zerolog.Logger, statuses chan<- model.Status, cancelBacklog int) *Coordinator {
	if cancelBacklog <= 0 {
		cancelBacklog = 4
	}
	return &Coordinator{
		db:       db,
		rc:       rc,
		guard:    guard,
		cfg:      cfg,
		serverID: serverID,
		log:      log.With().Str("component", "download").Logger(),
		statuses: statuses,
		cancelCh: make(chan []string, cancelBacklog),
	}
}

func (c *Coordinator) emit(st model.Status) {
	select {
	case c.statuses <- st:
	default:
		c.log.Warn().Msg("status channel full, dropping status")
	}
}

// partPath is the single shared in-flight buffer (§4.4 "Single .part file rationale").
func (c *Coordinator) partPath() string { return c.cfg.PartFilePath(c.serverID) }

func toTranscodeProfile(t config.Transcoding) remote.TranscodeProfile {
	return remote.TranscodeProfile{Enabled: t.Enabled, Bitrate: t.Bitrate, Container: t.Container}
}

// RunPump implements the per-track protocol's outer loop: pick, download,
// repeat until nothing is left. It downloads AT MOST one track per call so
// the Orchestrator's update tick can interleave work; callers loop it.
func (c *Coordinator) RunPump(ctx context.Context) error {
	if err := c.discardStalePartFile(); err != nil {
		c.log.Warn().Err(err).Msg("failed to discard stale part file")
	}

	tracks, err := c.db.TracksInStatus(ctx, model.Downloading, model.Queued)
	if err != nil {
		return fmt.Errorf("list downloadable tracks: %w", err)
	}
	telemetry.QueueDepthGauge.Set(float64(len(tracks)))
	if len(tracks) == 0 {
		c.emit(model.Status{Kind: model.StAllDownloaded})
		return nil
	}

	track := tracks[0]
	if err := c.downloadOne(ctx, track); err != nil {
		telemetry.DownloadsTotal.WithLabelValues("failed").Inc()
		return err
	}
	return nil
}

// discardStalePartFile implements "if one already exists at task start, it
// is discarded (previous run crashed)" (§4.4).
func (c *Coordinator) discardStalePartFile() error {
	if _, err := os.Stat(c.partPath()); err == nil {
		return os.Remove(c.partPath())
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Coordinator) downloadOne(ctx context.Context, track model.Track) error {
	albumDir := filepath.Join(c.cfg.DownloadsRoot(c.serverID), track.AlbumID)
	if err := os.MkdirAll(albumDir, 0o755); err != nil {
		return errs.Persistence(track.ID, fmt.Errorf("ensure album dir: %w", err))
	}

	c.fetchCoverArtBestEffort(ctx, track)
	c.fetchLyricsBestEffort(ctx, track.ID)

	if err := c.db.SetDownloading(ctx, track.ID); err != nil {
		return errs.Persistence(track.ID, fmt.Errorf("set downloading: %w", err))
	}
	c.emit(model.Status{Kind: model.StTrackDownloading, Track: track})

	var resp *resty.Response
	var contentLength int64
	err := c.guard.Do(ctx, track.ID, func() error {
		var err error
		resp, contentLength, err = c.rc.StreamTrack(ctx, track.ID, toTranscodeProfile(c.cfg.Transcode))
		return err
	})
	if err != nil {
		c.revertToQueued(ctx, track.ID, "stream open failed", err)
		return nil
	}

	written, streamErr := c.copyWithProgressAndCancel(ctx, track.ID, resp.RawBody(), contentLength)
	if streamErr != nil {
		if errors.Is(streamErr, errCancelled) {
			c.handleCancelledDuringStream(ctx, track.ID)
			return nil
		}
		c.revertToQueued(ctx, track.ID, "stream read failed", streamErr)
		return nil
	}

	finalPath := filepath.Join(albumDir, track.ID)
	if err := os.Rename(c.partPath(), finalPath); err != nil {
		c.revertToQueued(ctx, track.ID, "commit rename failed", err)
		return nil
	}

	size := contentLength
	if size <= 0 {
		size = written
	}
	committed, err := c.db.CompleteDownload(ctx, track.ID, size, time.Now().Unix())
	if err != nil {
		return errs.Persistence(track.ID, fmt.Errorf("complete download: %w", err))
	}
	if !committed {
		// Row was reset out from under us (cancelled concurrently); the file
		// we just wrote is now orphaned relative to CS state, so remove it.
		_ = os.Remove(finalPath)
		return nil
	}

	telemetry.DownloadsTotal.WithLabelValues("completed").Inc()
	telemetry.DownloadBytesTotal.Add(float64(size))
	c.refreshCacheGauge(ctx)
	c.emit(model.Status{Kind: model.StTrackDownloaded, ID: track.ID})
	return nil
}

var errCancelled = errors.New("download cancelled")

// copyWithProgressAndCancel streams body to the shared part file, publishing
// a ProgressUpdate and checking for cancellation each time a read returns
// and at least 200ms have passed since the last check (§4.4 step 5, §4.4.1).
// Both happen only between reads: a read that blocks longer than 200ms
// delays the next progress update and the next cancellation check.
func (c *Coordinator) copyWithProgressAndCancel(ctx context.Context, trackID string, body io.ReadCloser, contentLength int64) (written int64, err error) {
	defer body.Close()

	out, err := os.OpenFile(c.partPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open part file: %w", err)
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write part file: %w", werr)
			}
			written += int64(n)
		}

		if time.Since(lastTick) >= progressTick {
			lastTick = time.Now()
			c.emit(model.Status{Kind: model.StProgressUpdate, Progress: progressPercent(written, contentLength)})
			if c.drainCancelMatches(trackID) {
				return written, errCancelled
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				c.emit(model.Status{Kind: model.StProgressUpdate, Progress: terminalProgressBeforeCommit})
				return written, nil
			}
			return written, fmt.Errorf("read stream: %w", readErr)
		}
	}
}

func progressPercent(written, contentLength int64) float64 {
	if contentLength <= 0 {
		return 0
	}
	pct := float64(written) / float64(contentLength) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// drainCancelMatches reports whether trackID appears in any batch currently
// waiting on the cancel channel, draining everything available.
func (c *Coordinator) drainCancelMatches(trackID string) bool {
	matched := false
	for {
		select {
		case batch := <-c.cancelCh:
			for _, id := range batch {
				if id == trackID {
					matched = true
				}
			}
		default:
			return matched
		}
	}
}

func (c *Coordinator) revertToQueued(ctx context.Context, trackID, reason string, err error) {
	c.log.Error().Err(err).Str("track_id", trackID).Msg(reason)
	_ = os.Remove(c.partPath())
	if resetErr := c.db.ResetDownload(ctx, trackID, model.Queued); resetErr != nil {
		c.log.Error().Err(resetErr).Str("track_id", trackID).Msg("failed to revert track to queued")
	}
	c.emit(model.Status{Kind: model.StTrackDeleted, ID: trackID})
}

func (c *Coordinator) handleCancelledDuringStream(ctx context.Context, trackID string) {
	_ = os.Remove(c.partPath())
	if err := c.db.ResetDownload(ctx, trackID, model.NotDownloaded); err != nil {
		c.log.Error().Err(err).Str("track_id", trackID).Msg("failed to reset cancelled track")
	}
	c.emit(model.Status{Kind: model.StTrackDeleted, ID: trackID})
}

// CancelDownloads implements the CancelDownloads command (§4.4.1): flip
// every Queued/Downloading row, broadcast the ids so an in-flight stream
// aborts, and emit the resulting events.
func (c *Coordinator) CancelDownloads(ctx context.Context) error {
	ids, err := c.db.CancelAllQueuedOrDownloading(ctx)
	if err != nil {
		return errs.Persistence("", fmt.Errorf("cancel all downloads: %w", err))
	}

	select {
	case c.cancelCh <- ids:
	default:
		c.log.Warn().Msg("cancel broadcast channel full, dropping (no in-flight download to cancel)")
	}

	for _, id := range ids {
		c.emit(model.Status{Kind: model.StTrackDeleted, ID: id})
	}
	c.emit(model.Status{Kind: model.StAllDownloaded})
	telemetry.QueueDepthGauge.Set(0)
	return nil
}

func (c *Coordinator) fetchCoverArtBestEffort(ctx context.Context, track model.Track) {
	parentID := parentIDFromBlob(track.Blob)
	if parentID == "" {
		parentID = track.AlbumID
	}
	if parentID == "" {
		return
	}
	destPath := filepath.Join(c.cfg.CoversRoot(), parentID)
	if _, err := os.Stat(destPath); err == nil {
		return // already have it
	}
	if err := c.guard.Do(ctx, parentID, func() error {
		return c.rc.FetchCoverArt(ctx, parentID, destPath)
	}); err != nil {
		c.log.Debug().Err(err).Str("parent_id", parentID).Msg("cover art fetch failed, continuing")
		return
	}
	c.emit(model.Status{Kind: model.StCoverArtDownloaded, ItemID: parentID})
}

func (c *Coordinator) fetchLyricsBestEffort(ctx context.Context, trackID string) {
	var lines []model.LyricLine
	err := c.guard.Do(ctx, trackID, func() error {
		var err error
		lines, err = c.rc.FetchLyrics(ctx, trackID)
		return err
	})
	if err != nil || len(lines) == 0 {
		return
	}
	if err := c.db.SetLyrics(ctx, trackID, lines); err != nil {
		c.log.Debug().Err(err).Str("track_id", trackID).Msg("failed to persist fetched lyrics")
	}
}

// parentIDFromBlob reads ParentId, falling back to empty when absent — the
// caller substitutes AlbumId. Keeping the two paths separate is deliberate
// (§9 design note (c)).
func parentIDFromBlob(blob json.RawMessage) string {
	var partial struct {
		ParentID string `json:"ParentId"`
	}
	if err := json.Unmarshal(blob, &partial); err != nil {
		return ""
	}
	return partial.ParentID
}

func (c *Coordinator) refreshCacheGauge(ctx context.Context) {
	total, err := c.db.TotalDownloadedBytes(ctx)
	if err != nil {
		return
	}
	telemetry.CacheBytesGauge.Set(float64(total))
}

// OfflineRepair implements §4.4.2: cross-check every Downloaded row against
// filesystem reality and repair drift. It runs in the same mutual-exclusion
// class as a Sync Engine task (the Orchestrator is responsible for that).
func (c *Coordinator) OfflineRepair(ctx context.Context) error {
	c.emit(model.Status{Kind: model.StUpdateStarted})

	tracks, err := c.db.TracksInStatus(ctx, model.Downloaded)
	if err != nil {
		c.emit(model.Status{Kind: model.StUpdateFailed, Error: err.Error()})
		return err
	}

	for _, track := range tracks {
		path := filepath.Join(c.cfg.DownloadsRoot(c.serverID), track.AlbumID, track.ID)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := c.db.ResetDownload(ctx, track.ID, model.NotDownloaded); err != nil {
			c.log.Error().Err(err).Str("track_id", track.ID).Msg("offline repair: failed to reset row")
			continue
		}
		c.emit(model.Status{Kind: model.StTrackDeleted, ID: track.ID})
	}

	c.refreshCacheGauge(ctx)
	c.emit(model.Status{Kind: model.StUpdateFinished})
	return nil
}
