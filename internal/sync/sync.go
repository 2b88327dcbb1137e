// Package sync implements the Sync Engine (SE): the global and incremental
// reconciler between the Catalog Store and the Remote Adapter (§4.3). At
// most one SE task runs at a time (I7); the Orchestrator enforces that by
// only ever holding one Engine method call in flight.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhonus/jellytui-core/internal/catalog"
	"github.com/dhonus/jellytui-core/internal/config"
	"github.com/dhonus/jellytui-core/internal/model"
	"github.com/dhonus/jellytui-core/internal/remote"
	"github.com/dhonus/jellytui-core/internal/resilience"
	"github.com/dhonus/jellytui-core/internal/telemetry"
)

// RemoteClient is the subset of *remote.Client the engine depends on, so
// tests can substitute a fake without standing up an httptest server for
// every case.
type RemoteClient interface {
	ListLibraries(ctx context.Context) ([]model.Library, error)
	ListArtists(ctx context.Context) ([]model.Artist, error)
	ListAlbums(ctx context.Context, libraryID string) ([]model.Album, error)
	ListPlaylists(ctx context.Context) ([]model.Playlist, error)
	FetchDiscography(ctx context.Context, artistID string) ([]remote.Track, error)
	FetchPlaylistItems(ctx context.Context, playlistID string) ([]remote.Track, error)
}

// Engine is the Sync Engine. It holds no task-queue state of its own — that
// lives in the Orchestrator — only the collaborators it needs to do one
// reconciliation at a time.
type Engine struct {
	db         *catalog.DB
	rc         RemoteClient
	guard      *resilience.Guard
	thresholds config.Thresholds
	log        zerolog.Logger
	statuses   chan<- model.Status
}

// New builds an Engine. statuses is the Orchestrator's outbound status
// channel; the engine writes directly to it rather than returning events, so
// ordering against other concurrently-emitted statuses is simply channel-send
// order. guard is shared with the Orchestrator and Download Coordinator, so a
// tripped breaker or a reprogrammed pacing limit applies uniformly across
// every Remote Adapter caller (§4.2, §4.5).
func New(db *catalog.DB, rc RemoteClient, guard *resilience.Guard, thresholds config.Thresholds, log zerolog.Logger, statuses chan<- model.Status) *Engine {
	return &Engine{db: db, rc: rc, guard: guard, thresholds: thresholds, log: log.With().Str("component", "sync").Logger(), statuses: statuses}
}

func (e *Engine) emit(st model.Status) {
	select {
	case e.statuses <- st:
	default:
		e.log.Warn().Msg("status channel full, dropping status")
	}
}

// RunGlobalUpdate implements §4.3.1: libraries, artists, per-library albums,
// playlists, then the missing-entity pass for each kind.
func (e *Engine) RunGlobalUpdate(ctx context.Context) error {
	start := time.Now()
	e.emit(model.Status{Kind: model.StUpdateStarted})

	err := e.runGlobalUpdateSteps(ctx)

	telemetry.SyncDurationSeconds.WithLabelValues("global").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.SyncRunsTotal.WithLabelValues("global", "failed").Inc()
		e.emit(model.Status{Kind: model.StUpdateFailed, Error: err.Error()})
		return err
	}
	telemetry.SyncRunsTotal.WithLabelValues("global", "ok").Inc()
	e.emit(model.Status{Kind: model.StUpdateFinished})
	return nil
}

func (e *Engine) runGlobalUpdateSteps(ctx context.Context) error {
	now := time.Now().Unix()

	// Step 1: libraries.
	var libs []model.Library
	if err := e.guard.Do(ctx, "libraries", func() error {
		var err error
		libs, err = e.rc.ListLibraries(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("list libraries: %w", err)
	}
	if err := e.db.UpsertLibraries(ctx, libs, now); err != nil {
		return fmt.Errorf("upsert libraries: %w", err)
	}

	// Step 2: artists.
	var artists []model.Artist
	if err := e.guard.Do(ctx, "artists", func() error {
		var err error
		artists, err = e.rc.ListArtists(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("list artists: %w", err)
	}
	artistsChanged, err := e.db.UpsertArtists(ctx, artists)
	if err != nil {
		return fmt.Errorf("upsert artists: %w", err)
	}
	if artistsChanged {
		e.emit(model.Status{Kind: model.StArtistsUpdated})
	}

	artistByName := make(map[string]string, len(artists))
	for _, a := range artists {
		var partial struct {
			Name string `json:"Name"`
		}
		if json.Unmarshal(a.Blob, &partial) == nil && partial.Name != "" {
			artistByName[partial.Name] = a.ID
		}
	}
	resolver := func(name string) (string, bool) {
		id, ok := artistByName[name]
		return id, ok
	}

	// Step 3: per-library albums. The id set collected here is reused by the
	// missing-entity pass below instead of listing albums a second time.
	albumsComplete := true
	albumsChanged := false
	albumIDs := make(map[string]bool)
	for _, lib := range libs {
		var albums []model.Album
		err := e.guard.Do(ctx, lib.ID, func() error {
			var err error
			albums, err = e.rc.ListAlbums(ctx, lib.ID)
			return err
		})
		if err != nil {
			e.log.Error().Err(err).Str("library_id", lib.ID).Msg("list albums failed, leaving library untouched")
			albumsComplete = false
			continue
		}
		for _, album := range albums {
			albumIDs[album.ID] = true
			credits := albumArtistCredits(album.Blob)
			changed, err := e.db.UpsertAlbum(ctx, album, credits, resolver)
			if err != nil {
				return fmt.Errorf("upsert album %s: %w", album.ID, err)
			}
			albumsChanged = albumsChanged || changed
		}
	}

	// Step 4: backfill.
	if err := e.db.BackfillTrackLibraryIDs(ctx); err != nil {
		return fmt.Errorf("backfill track library ids: %w", err)
	}

	// Step 5.
	if albumsChanged {
		e.emit(model.Status{Kind: model.StAlbumsUpdated})
	}

	// Step 6: playlists.
	var playlists []model.Playlist
	if err := e.guard.Do(ctx, "playlists", func() error {
		var err error
		playlists, err = e.rc.ListPlaylists(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("list playlists: %w", err)
	}
	playlistsChanged, err := e.db.UpsertPlaylists(ctx, playlists)
	if err != nil {
		return fmt.Errorf("upsert playlists: %w", err)
	}
	if playlistsChanged {
		e.emit(model.Status{Kind: model.StPlaylistsUpdated})
	}

	// Step 7: missing-entity pass.
	artistIDs := idSet(artists, func(a model.Artist) string { return a.ID })
	if res, err := e.db.MissingEntityPass(ctx, model.KindArtist, artistIDs, e.thresholds.Artist, now); err != nil {
		return fmt.Errorf("missing-entity pass (artist): %w", err)
	} else if res.Changed {
		e.emit(model.Status{Kind: model.StArtistsUpdated})
	}

	if albumsComplete {
		if res, err := e.db.MissingEntityPass(ctx, model.KindAlbum, albumIDs, e.thresholds.Album, now); err != nil {
			return fmt.Errorf("missing-entity pass (album): %w", err)
		} else if res.Changed {
			e.emit(model.Status{Kind: model.StAlbumsUpdated})
			for range res.DeletedAlbumDirs {
				telemetry.MissingEntityDeletesTotal.WithLabelValues("album").Inc()
			}
		}
	}

	playlistIDs := idSet(playlists, func(p model.Playlist) string { return p.ID })
	if res, err := e.db.MissingEntityPass(ctx, model.KindPlaylist, playlistIDs, e.thresholds.Playlist, now); err != nil {
		return fmt.Errorf("missing-entity pass (playlist): %w", err)
	} else if res.Changed {
		e.emit(model.Status{Kind: model.StPlaylistsUpdated})
	}

	// Step 8.
	if err := e.db.SetLastLibraryUpdate(ctx, now); err != nil {
		return fmt.Errorf("set last library update: %w", err)
	}
	return nil
}

func albumArtistCredits(blob json.RawMessage) []model.ArtistItem {
	var partial struct {
		AlbumArtists []model.ArtistItem `json:"AlbumArtists"`
	}
	if err := json.Unmarshal(blob, &partial); err != nil {
		return nil
	}
	return partial.AlbumArtists
}

func idSet[T any](items []T, idOf func(T) string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[idOf(it)] = true
	}
	return out
}

// RunDiscographyUpdate implements §4.3.2.
func (e *Engine) RunDiscographyUpdate(ctx context.Context, artistID string) error {
	start := time.Now()
	e.emit(model.Status{Kind: model.StUpdateStarted})

	var remoteTracks []remote.Track
	err := e.guard.Do(ctx, artistID, func() error {
		var err error
		remoteTracks, err = e.rc.FetchDiscography(ctx, artistID)
		return err
	})
	if err != nil {
		telemetry.SyncRunsTotal.WithLabelValues("discography", "failed").Inc()
		e.emit(model.Status{Kind: model.StUpdateFailed, Error: err.Error()})
		return err
	}

	changed, err := e.db.SyncDiscography(ctx, artistID, toCatalogTracks(remoteTracks))
	telemetry.SyncDurationSeconds.WithLabelValues("discography").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.SyncRunsTotal.WithLabelValues("discography", "failed").Inc()
		e.emit(model.Status{Kind: model.StUpdateFailed, Error: err.Error()})
		return err
	}

	telemetry.SyncRunsTotal.WithLabelValues("discography", "ok").Inc()
	if changed {
		e.emit(model.Status{Kind: model.StDiscographyUpdated, ID: artistID})
	}
	e.emit(model.Status{Kind: model.StUpdateFinished})
	return nil
}

// RunPlaylistUpdate implements §4.3.3.
func (e *Engine) RunPlaylistUpdate(ctx context.Context, playlistID string) error {
	start := time.Now()
	e.emit(model.Status{Kind: model.StUpdateStarted})

	var remoteTracks []remote.Track
	err := e.guard.Do(ctx, playlistID, func() error {
		var err error
		remoteTracks, err = e.rc.FetchPlaylistItems(ctx, playlistID)
		return err
	})
	if err != nil {
		telemetry.SyncRunsTotal.WithLabelValues("playlist", "failed").Inc()
		e.emit(model.Status{Kind: model.StUpdateFailed, Error: err.Error()})
		return err
	}

	changed, err := e.db.SyncPlaylistMembership(ctx, playlistID, toCatalogTracks(remoteTracks))
	telemetry.SyncDurationSeconds.WithLabelValues("playlist").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.SyncRunsTotal.WithLabelValues("playlist", "failed").Inc()
		e.emit(model.Status{Kind: model.StUpdateFailed, Error: err.Error()})
		return err
	}

	telemetry.SyncRunsTotal.WithLabelValues("playlist", "ok").Inc()
	if changed {
		e.emit(model.Status{Kind: model.StPlaylistUpdated, ID: playlistID})
	}
	e.emit(model.Status{Kind: model.StUpdateFinished})
	return nil
}

func toCatalogTracks(tracks []remote.Track) []catalog.RemoteTrack {
	out := make([]catalog.RemoteTrack, 0, len(tracks))
	for _, rt := range tracks {
		out = append(out, catalog.RemoteTrack{ID: rt.ID, AlbumID: rt.AlbumID, ArtistItems: rt.ArtistItems, Blob: rt.Blob})
	}
	return out
}
