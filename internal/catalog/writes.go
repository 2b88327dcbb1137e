package catalog

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dhonus/jellytui-core/internal/model"
)

// blobDiffers implements the "update only if the serialized blob is not
// byte-equal" predicate (§4.1) that suppresses write amplification and
// spurious dirty notifications.
func blobDiffers(existing, incoming json.RawMessage) bool {
	return !bytes.Equal(bytes.TrimSpace(existing), bytes.TrimSpace(incoming))
}

// UpsertLibraries inserts or refreshes libraries, marking selected=true and
// stamping last_seen for every one of them (§4.3.1 step 1).
func (d *DB) UpsertLibraries(ctx context.Context, libs []model.Library, now int64) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		for _, l := range libs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO libraries (id, name, collection_type, last_seen, selected)
				VALUES (?, ?, ?, ?, 1)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					collection_type = excluded.collection_type,
					last_seen = excluded.last_seen,
					selected = 1
			`, l.ID, l.Name, l.CollectionType, now)
			if err != nil {
				return fmt.Errorf("upsert library %s: %w", l.ID, err)
			}
		}
		return nil
	})
}

// UpsertArtists writes artists whose blob differs from what is stored,
// returning whether anything actually changed (so the caller can decide
// whether to emit ArtistsUpdated).
func (d *DB) UpsertArtists(ctx context.Context, artists []model.Artist) (changed bool, err error) {
	err = d.withWriteTx(func(tx *sql.Tx) error {
		for _, a := range artists {
			var existing sql.NullString
			row := tx.QueryRowContext(ctx, `SELECT blob FROM artists WHERE id = ?`, a.ID)
			scanErr := row.Scan(&existing)
			if scanErr != nil && scanErr != sql.ErrNoRows {
				return fmt.Errorf("read artist %s: %w", a.ID, scanErr)
			}
			if scanErr == nil && !blobDiffers(json.RawMessage(existing.String), a.Blob) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO artists (id, blob) VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET blob = excluded.blob
			`, a.ID, string(a.Blob)); err != nil {
				return fmt.Errorf("upsert artist %s: %w", a.ID, err)
			}
			changed = true
		}
		return nil
	})
	return changed, err
}

// UpsertAlbum writes one album and rebuilds its AlbumArtist rows by deleting
// existing ones and inserting fresh ones, resolving each credited name to a
// locally-known artist id (falling back to the remote-supplied id) (§4.3.1
// step 3). artistResolver maps a remote artist name to a canonical local id.
func (d *DB) UpsertAlbum(ctx context.Context, album model.Album, artistCredits []model.ArtistItem, artistResolver func(name string) (id string, ok bool)) (changed bool, err error) {
	err = d.withWriteTx(func(tx *sql.Tx) error {
		var existing sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT blob FROM albums WHERE id = ?`, album.ID)
		scanErr := row.Scan(&existing)
		if scanErr != nil && scanErr != sql.ErrNoRows {
			return fmt.Errorf("read album %s: %w", album.ID, scanErr)
		}
		if scanErr != nil || blobDiffers(json.RawMessage(existing.String), album.Blob) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO albums (id, library_id, blob) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET library_id = excluded.library_id, blob = excluded.blob
			`, album.ID, album.LibraryID, string(album.Blob)); err != nil {
				return fmt.Errorf("upsert album %s: %w", album.ID, err)
			}
			changed = true
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM album_artists WHERE album_id = ?`, album.ID); err != nil {
			return fmt.Errorf("clear album_artists for %s: %w", album.ID, err)
		}
		for _, credit := range artistCredits {
			id := credit.ID
			if artistResolver != nil {
				if resolved, ok := artistResolver(credit.Name); ok {
					id = resolved
				}
			}
			if id == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO album_artists (album_id, artist_id) VALUES (?, ?)
				ON CONFLICT(album_id, artist_id) DO NOTHING
			`, album.ID, id); err != nil {
				return fmt.Errorf("insert album_artist %s/%s: %w", album.ID, id, err)
			}
		}
		return nil
	})
	return changed, err
}

// BackfillTrackLibraryIDs sets tracks.library_id from their album's
// library_id wherever it is currently empty (§4.3.1 step 4, §3 I5).
func (d *DB) BackfillTrackLibraryIDs(ctx context.Context) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tracks SET library_id = (
				SELECT al.library_id FROM albums al WHERE al.id = tracks.album_id
			)
			WHERE (library_id = '' OR library_id IS NULL)
			  AND album_id != ''
			  AND EXISTS (SELECT 1 FROM albums al WHERE al.id = tracks.album_id)
		`)
		return err
	})
}

// UpsertPlaylists writes playlists whose blob differs, returning whether
// anything changed (§4.3.1 step 6).
func (d *DB) UpsertPlaylists(ctx context.Context, playlists []model.Playlist) (changed bool, err error) {
	err = d.withWriteTx(func(tx *sql.Tx) error {
		for _, p := range playlists {
			var existing sql.NullString
			row := tx.QueryRowContext(ctx, `SELECT blob FROM playlists WHERE id = ?`, p.ID)
			scanErr := row.Scan(&existing)
			if scanErr != nil && scanErr != sql.ErrNoRows {
				return fmt.Errorf("read playlist %s: %w", p.ID, scanErr)
			}
			if scanErr == nil && !blobDiffers(json.RawMessage(existing.String), p.Blob) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO playlists (id, blob) VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET blob = excluded.blob
			`, p.ID, string(p.Blob)); err != nil {
				return fmt.Errorf("upsert playlist %s: %w", p.ID, err)
			}
			changed = true
		}
		return nil
	})
	return changed, err
}

// RenamePlaylistLocal patches the blob's display name in place, for local
// bookkeeping ahead of (or in the absence of) a remote propagation (§6.1).
func (d *DB) RenamePlaylistLocal(ctx context.Context, id, newName string) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE playlists SET blob = json_set(blob, '$.Name', ?) WHERE id = ?`, newName, id)
		if err != nil {
			return fmt.Errorf("rename playlist %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("playlist %s not found", id)
		}
		return nil
	})
}

// DeletePlaylistLocal removes a playlist and its membership rows (local
// bookkeeping; §6.1 Delete(Playlist)).
func (d *DB) DeletePlaylistLocal(ctx context.Context, id string) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM playlist_memberships WHERE playlist_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM playlists WHERE id = ?`, id)
		return err
	})
}

// SetFavorite patches the blob's IsFavorite flag for the given entity kind,
// implementing "set favorite flags by patching the stored JSON at a known
// path" (§4.1).
func (d *DB) SetFavorite(ctx context.Context, kind model.MissingEntityKind, id string, favorite bool) error {
	table := favoriteTable(kind)
	if table == "" {
		return fmt.Errorf("unsupported favorite kind %q", kind)
	}
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET blob = json_set(blob, '$.UserData.IsFavorite', ?) WHERE id = ?`, table), favorite, id)
		return err
	})
}

func favoriteTable(kind model.MissingEntityKind) string {
	switch kind {
	case model.KindArtist:
		return "artists"
	case model.KindAlbum:
		return "albums"
	case model.KindPlaylist:
		return "playlists"
	default:
		return ""
	}
}

// SetDownloadQueued transitions a track to Queued, used when a Download
// command is accepted (§6.1, S1).
func (d *DB) SetDownloadQueued(ctx context.Context, trackID string) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tracks SET download_status = ? WHERE id = ?`, model.Queued, trackID)
		return err
	})
}

// SetDownloading transitions a track to Downloading in its own transaction
// (§4.4 step 4).
func (d *DB) SetDownloading(ctx context.Context, trackID string) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tracks SET download_status = ? WHERE id = ?`, model.Downloading, trackID)
		return err
	})
}

// CompleteDownload sets a track Downloaded along with size and timestamp,
// but only if it is still Downloading (it may have been cancelled and reset
// concurrently) (§4.4 step 7).
func (d *DB) CompleteDownload(ctx context.Context, trackID string, sizeBytes, downloadedAt int64) (committed bool, err error) {
	err = d.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tracks SET download_status = ?, download_size_bytes = ?, downloaded_at = ?
			WHERE id = ? AND download_status = ?
		`, model.Downloaded, sizeBytes, downloadedAt, trackID, model.Downloading)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		committed = n > 0
		return nil
	})
	return committed, err
}

// ResetDownload reverts a track's status (used on cancellation or transient
// network failure) (§4.4 step 6, §4.4.1).
func (d *DB) ResetDownload(ctx context.Context, trackID string, status model.DownloadStatus) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tracks SET download_status = ? WHERE id = ?`, status, trackID)
		return err
	})
}

// CancelAllQueuedOrDownloading flips every Queued/Downloading row to
// NotDownloaded in one transaction and returns their ids, implementing the
// CancelDownloads command's bulk reset (§4.4.1).
func (d *DB) CancelAllQueuedOrDownloading(ctx context.Context) ([]string, error) {
	var ids []string
	err := d.withWriteTx(func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tracks WHERE download_status IN (?, ?)`, model.Queued, model.Downloading)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		_, err = tx.ExecContext(ctx, `UPDATE tracks SET download_status = ? WHERE download_status IN (?, ?)`,
			model.NotDownloaded, model.Queued, model.Downloading)
		return err
	})
	return ids, err
}

// SetLastLibraryUpdate persists the last_library_update meta key (§4.3.1 step 8).
func (d *DB) SetLastLibraryUpdate(ctx context.Context, epochSeconds int64) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES ('last_library_update', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, fmt.Sprintf("%d", epochSeconds))
		return err
	})
}

// SetLyrics (re)writes a track's timed lines, lyrics are always overwritten
// on refetch (§3 Lifecycles).
func (d *DB) SetLyrics(ctx context.Context, trackID string, lines []model.LyricLine) error {
	raw, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal lyrics for %s: %w", trackID, err)
	}
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lyrics (track_id, lines) VALUES (?, ?)
			ON CONFLICT(track_id) DO UPDATE SET lines = excluded.lines
		`, trackID, string(raw))
		return err
	})
}

// SetLastPlayed stamps a track's last_played column (§6.1 Update(SongPlayed)).
func (d *DB) SetLastPlayed(ctx context.Context, trackID string, when int64) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tracks SET last_played = ? WHERE id = ?`, when, trackID)
		return err
	})
}

// SetDisliked flips a track's disliked flag (§6.1 DislikeTrack).
func (d *DB) SetDisliked(ctx context.Context, trackID string, disliked bool) error {
	return d.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tracks SET disliked = ? WHERE id = ?`, disliked, trackID)
		return err
	})
}

// RemoteTrack is the shape the Sync Engine feeds into discography/playlist
// reconciliation: enough of the remote record to upsert a track row.
type RemoteTrack struct {
	ID          string
	AlbumID     string
	ArtistItems []model.ArtistItem
	Blob        json.RawMessage
}

// SyncDiscography reconciles ArtistMembership and the tracks table for one
// artist's discography inside a single transaction, per §4.3.2.
func (d *DB) SyncDiscography(ctx context.Context, artistID string, remote []RemoteTrack) (changed bool, err error) {
	err = d.withWriteTx(func(tx *sql.Tx) error {
		remoteIDs := make(map[string]bool, len(remote))
		for _, rt := range remote {
			remoteIDs[rt.ID] = true
		}

		// Remove memberships for tracks no longer in the remote discography,
		// and drop their playlist memberships too (orphans may remain in
		// `tracks` but must not appear as members anywhere).
		rows, err := tx.QueryContext(ctx, `SELECT track_id FROM artist_memberships WHERE artist_id = ?`, artistID)
		if err != nil {
			return fmt.Errorf("read existing memberships: %w", err)
		}
		var stale []string
		for rows.Next() {
			var tid string
			if err := rows.Scan(&tid); err != nil {
				rows.Close()
				return err
			}
			if !remoteIDs[tid] {
				stale = append(stale, tid)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, tid := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM artist_memberships WHERE artist_id = ? AND track_id = ?`, artistID, tid); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM playlist_memberships WHERE track_id = ?`, tid); err != nil {
				return err
			}
			changed = true
		}

		for _, rt := range remote {
			c, err := upsertTrackPreservingStatus(ctx, tx, rt)
			if err != nil {
				return err
			}
			changed = changed || c

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO artist_memberships (artist_id, track_id) VALUES (?, ?)
				ON CONFLICT(artist_id, track_id) DO NOTHING
			`, artistID, rt.ID); err != nil {
				return err
			}

			if err := backfillOneTrackLibrary(ctx, tx, rt.ID); err != nil {
				return err
			}

			if err := reconcileIntegrityDrift(ctx, tx, rt.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return changed, err
}

// SyncPlaylistMembership reconciles PlaylistMembership and the tracks table
// for one playlist in a single transaction, per §4.3.3. Absence of a track
// from the remote listing never deletes the track itself.
func (d *DB) SyncPlaylistMembership(ctx context.Context, playlistID string, remote []RemoteTrack) (changed bool, err error) {
	err = d.withWriteTx(func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT track_id FROM playlist_memberships WHERE playlist_id = ? ORDER BY position`, playlistID)
		if err != nil {
			return err
		}
		var prior []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			prior = append(prior, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		current := make([]string, 0, len(remote))
		for _, rt := range remote {
			current = append(current, rt.ID)
		}
		if !equalStringSlices(prior, current) {
			changed = true
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM playlist_memberships WHERE playlist_id = ?`, playlistID); err != nil {
			return err
		}

		for pos, rt := range remote {
			c, err := upsertTrackPreservingStatus(ctx, tx, rt)
			if err != nil {
				return err
			}
			changed = changed || c

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO playlist_memberships (playlist_id, track_id, position) VALUES (?, ?, ?)
			`, playlistID, rt.ID, pos); err != nil {
				return err
			}

			if err := backfillOneTrackLibrary(ctx, tx, rt.ID); err != nil {
				return err
			}
			if err := reconcileIntegrityDrift(ctx, tx, rt.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return changed, err
}

// upsertTrackPreservingStatus upserts a track, patching album_id,
// artist_items and the blob while preserving the existing download_status
// (both the column and the blob field the trigger maintains), per §4.3.2's
// "update only if different" rule.
func upsertTrackPreservingStatus(ctx context.Context, tx *sql.Tx, rt RemoteTrack) (changed bool, err error) {
	var existingBlob sql.NullString
	var existingStatus string
	row := tx.QueryRowContext(ctx, `SELECT blob, download_status FROM tracks WHERE id = ?`, rt.ID)
	scanErr := row.Scan(&existingBlob, &existingStatus)
	if scanErr != nil && scanErr != sql.ErrNoRows {
		return false, fmt.Errorf("read track %s: %w", rt.ID, scanErr)
	}

	artistItemsJSON, err := json.Marshal(rt.ArtistItems)
	if err != nil {
		return false, fmt.Errorf("marshal artist items for %s: %w", rt.ID, err)
	}

	blob := rt.Blob
	status := model.NotDownloaded
	if scanErr == nil {
		status = model.DownloadStatus(existingStatus)
		blob, err = patchJSONField(rt.Blob, "download_status", string(status))
		if err != nil {
			return false, fmt.Errorf("patch blob status for %s: %w", rt.ID, err)
		}
	}

	if scanErr == nil && !blobDiffers(json.RawMessage(existingBlob.String), blob) {
		// Still keep album_id/artist_items columns current even when the
		// blob comparison short-circuits, since those are denormalized
		// columns rather than blob-derived.
		_, err := tx.ExecContext(ctx, `UPDATE tracks SET album_id = ?, artist_items = ? WHERE id = ?`,
			rt.AlbumID, string(artistItemsJSON), rt.ID)
		return false, err
	}

	if scanErr == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tracks (id, album_id, library_id, artist_items, download_status, blob)
			VALUES (?, ?, '', ?, ?, ?)
		`, rt.ID, rt.AlbumID, string(artistItemsJSON), status, string(blob))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tracks SET album_id = ?, artist_items = ?, blob = ? WHERE id = ?
		`, rt.AlbumID, string(artistItemsJSON), string(blob), rt.ID)
	}
	if err != nil {
		return false, fmt.Errorf("upsert track %s: %w", rt.ID, err)
	}
	return true, nil
}

func patchJSONField(blob json.RawMessage, field, value string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(blob, &m); err != nil {
		return blob, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return blob, err
	}
	m[field] = encoded
	out, err := json.Marshal(m)
	if err != nil {
		return blob, err
	}
	return out, nil
}

// backfillOneTrackLibrary fills a single track's library_id from its album,
// used inline during discography/playlist sync (§4.3.2, §4.3.3).
func backfillOneTrackLibrary(ctx context.Context, tx *sql.Tx, trackID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tracks SET library_id = (
			SELECT al.library_id FROM albums al WHERE al.id = tracks.album_id
		)
		WHERE id = ? AND (library_id = '' OR library_id IS NULL)
		  AND album_id != '' AND EXISTS (SELECT 1 FROM albums al WHERE al.id = tracks.album_id)
	`, trackID)
	return err
}

// reconcileIntegrityDrift is invoked per track during sync to repair I2
// violations the FileExists hook below can detect: if stored state says
// Downloaded but the file is absent, revert to NotDownloaded; if stored
// state says otherwise but the file is present, promote to Downloaded
// (§4.3.2 "Reconcile I2 per track"). The actual file-presence check is
// injected via the package-level FileExists hook so this package has no
// direct dependency on the download cache's path layout.
var FileExists func(trackID, albumID string) (bool, bool) // (exists, knowable)

func reconcileIntegrityDrift(ctx context.Context, tx *sql.Tx, trackID string) error {
	if FileExists == nil {
		return nil
	}
	var albumID, status string
	if err := tx.QueryRowContext(ctx, `SELECT album_id, download_status FROM tracks WHERE id = ?`, trackID).Scan(&albumID, &status); err != nil {
		return err
	}
	exists, knowable := FileExists(trackID, albumID)
	if !knowable {
		return nil
	}
	switch {
	case status == string(model.Downloaded) && !exists:
		_, err := tx.ExecContext(ctx, `UPDATE tracks SET download_status = ? WHERE id = ?`, model.NotDownloaded, trackID)
		return err
	case status != string(model.Downloaded) && exists:
		_, err := tx.ExecContext(ctx, `UPDATE tracks SET download_status = ? WHERE id = ?`, model.Downloaded, trackID)
		return err
	}
	return nil
}

// MissingPassResult reports what the missing-entity pass decided, so the
// Sync Engine can emit the right *Updated events. DeletedAlbumDirs lists the
// ids of albums whose rows were deleted; the Sync Engine only counts them in
// telemetry and does not remove their on-disk album directories.
type MissingPassResult struct {
	Changed          bool
	DeletedAlbumDirs []string // ids of albums deleted in this pass
}

// MissingEntityPass runs the deferred-delete bookkeeping for one entity
// kind against the current remote id set, cascading deletes once an
// entity's missing_seen_count reaches threshold (§4.3.4).
func (d *DB) MissingEntityPass(ctx context.Context, kind model.MissingEntityKind, remoteIDs map[string]bool, threshold int, now int64) (MissingPassResult, error) {
	var result MissingPassResult
	err := d.withWriteTx(func(tx *sql.Tx) error {
		localIDs, err := localIDsForKind(ctx, tx, kind)
		if err != nil {
			return err
		}

		for _, id := range localIDs {
			if remoteIDs[id] {
				if _, err := tx.ExecContext(ctx, `DELETE FROM missing_counters WHERE entity_type = ? AND id = ?`, kind, id); err != nil {
					return err
				}
				continue
			}
			if kind == model.KindArtist {
				stillReferenced, err := artistStillReferenced(ctx, tx, id)
				if err != nil {
					return err
				}
				if stillReferenced {
					continue
				}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO missing_counters (entity_type, id, missing_seen_count, last_checked_at)
				VALUES (?, ?, 1, ?)
				ON CONFLICT(entity_type, id) DO UPDATE SET
					missing_seen_count = missing_counters.missing_seen_count + 1,
					last_checked_at = excluded.last_checked_at
			`, kind, id, now); err != nil {
				return err
			}
			result.Changed = true
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM missing_counters WHERE entity_type = ? AND missing_seen_count >= ?
		`, kind, threshold)
		if err != nil {
			return err
		}
		var toDelete []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			toDelete = append(toDelete, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range toDelete {
			if err := cascadeDelete(ctx, tx, kind, id, &result); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM missing_counters WHERE entity_type = ? AND id = ?`, kind, id); err != nil {
				return err
			}
			result.Changed = true
		}
		return nil
	})
	return result, err
}

func localIDsForKind(ctx context.Context, tx *sql.Tx, kind model.MissingEntityKind) ([]string, error) {
	table := favoriteTable(kind)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func artistStillReferenced(ctx context.Context, tx *sql.Tx, artistID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM album_artists WHERE artist_id = ?`, artistID).Scan(&n)
	return n > 0, err
}

// cascadeDelete removes an entity and its dependents per §4.3.4's
// per-kind cascade description.
func cascadeDelete(ctx context.Context, tx *sql.Tx, kind model.MissingEntityKind, id string, result *MissingPassResult) error {
	switch kind {
	case model.KindAlbum:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM playlist_memberships WHERE track_id IN (SELECT id FROM tracks WHERE album_id = ?)
		`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM artist_memberships WHERE track_id IN (SELECT id FROM tracks WHERE album_id = ?)
		`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tracks WHERE album_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM album_artists WHERE album_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM albums WHERE id = ?`, id); err != nil {
			return err
		}
		result.DeletedAlbumDirs = append(result.DeletedAlbumDirs, id)
	case model.KindArtist:
		stillReferenced, err := artistStillReferenced(ctx, tx, id)
		if err != nil {
			return err
		}
		if stillReferenced {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM artist_memberships WHERE artist_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM artists WHERE id = ?`, id); err != nil {
			return err
		}
	case model.KindPlaylist:
		if _, err := tx.ExecContext(ctx, `DELETE FROM playlist_memberships WHERE playlist_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM playlists WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
