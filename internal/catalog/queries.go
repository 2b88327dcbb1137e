package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dhonus/jellytui-core/internal/model"
)

// scanTrack reads one row of the tracks table's standard column set.
func scanTrack(rows interface{ Scan(...any) error }) (model.Track, error) {
	var t model.Track
	var artistItemsJSON string
	var blob string
	var status string
	if err := rows.Scan(
		&t.ID, &t.AlbumID, &t.LibraryID, &artistItemsJSON,
		&status, &t.DownloadSizeBytes, &t.DownloadedAt, &t.LastPlayed, &t.Disliked,
		&blob,
	); err != nil {
		return model.Track{}, err
	}
	t.DownloadStatus = model.DownloadStatus(status)
	t.Blob = json.RawMessage(blob)
	if artistItemsJSON != "" {
		_ = json.Unmarshal([]byte(artistItemsJSON), &t.ArtistItems)
	}
	return t, nil
}

const trackColumns = `id, album_id, library_id, artist_items, download_status, download_size_bytes, downloaded_at, last_played, disliked, blob`

// AllArtists returns every artist row. Rows that fail to scan are logged and
// skipped, and left alone for the next sync to refresh; blobs are returned
// as stored, without being parsed.
func (d *DB) AllArtists(ctx context.Context) ([]model.Artist, error) {
	var out []model.Artist
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, blob FROM artists`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a model.Artist
			var blob string
			if err := rows.Scan(&a.ID, &blob); err != nil {
				d.log.Warn().Err(err).Msg("skipping unreadable artist row")
				continue
			}
			a.Blob = json.RawMessage(blob)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// AllAlbums returns every album row.
func (d *DB) AllAlbums(ctx context.Context) ([]model.Album, error) {
	var out []model.Album
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, library_id, blob FROM albums`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a model.Album
			var blob string
			if err := rows.Scan(&a.ID, &a.LibraryID, &blob); err != nil {
				d.log.Warn().Err(err).Msg("skipping unreadable album row")
				continue
			}
			a.Blob = json.RawMessage(blob)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// AllPlaylists returns every playlist row.
func (d *DB) AllPlaylists(ctx context.Context) ([]model.Playlist, error) {
	var out []model.Playlist
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, blob FROM playlists`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p model.Playlist
			var blob string
			if err := rows.Scan(&p.ID, &blob); err != nil {
				d.log.Warn().Err(err).Msg("skipping unreadable playlist row")
				continue
			}
			p.Blob = json.RawMessage(blob)
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// ArtistsWithDownloaded returns artists that have at least one Downloaded
// track among their memberships.
func (d *DB) ArtistsWithDownloaded(ctx context.Context) ([]model.Artist, error) {
	var out []model.Artist
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT DISTINCT a.id, a.blob FROM artists a
			JOIN artist_memberships m ON m.artist_id = a.id
			JOIN tracks t ON t.id = m.track_id
			WHERE t.download_status = ?
		`, model.Downloaded)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a model.Artist
			var blob string
			if err := rows.Scan(&a.ID, &blob); err != nil {
				continue
			}
			a.Blob = json.RawMessage(blob)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// AlbumsWithDownloaded returns albums that have at least one Downloaded track.
func (d *DB) AlbumsWithDownloaded(ctx context.Context) ([]model.Album, error) {
	var out []model.Album
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT DISTINCT al.id, al.library_id, al.blob FROM albums al
			JOIN tracks t ON t.album_id = al.id
			WHERE t.download_status = ?
		`, model.Downloaded)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a model.Album
			var blob string
			if err := rows.Scan(&a.ID, &a.LibraryID, &blob); err != nil {
				continue
			}
			a.Blob = json.RawMessage(blob)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// PlaylistsWithDownloaded returns playlists that have at least one
// Downloaded track among their members.
func (d *DB) PlaylistsWithDownloaded(ctx context.Context) ([]model.Playlist, error) {
	var out []model.Playlist
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT DISTINCT p.id, p.blob FROM playlists p
			JOIN playlist_memberships m ON m.playlist_id = p.id
			JOIN tracks t ON t.id = m.track_id
			WHERE t.download_status = ?
		`, model.Downloaded)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p model.Playlist
			var blob string
			if err := rows.Scan(&p.ID, &blob); err != nil {
				continue
			}
			p.Blob = json.RawMessage(blob)
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// DiscographyByArtist returns the artist's tracks, sorted by IndexNumber
// with the sentinel for unset values, optionally restricted to Downloaded.
func (d *DB) DiscographyByArtist(ctx context.Context, artistID string, downloadedOnly bool) ([]model.Track, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tracks t
		JOIN artist_memberships m ON m.track_id = t.id
		WHERE m.artist_id = ?
	`, trackColumns)
	args := []any{artistID}
	if downloadedOnly {
		query += ` AND t.download_status = ?`
		args = append(args, model.Downloaded)
	}
	return d.queryTracksSortedByIndex(ctx, query, args...)
}

// AlbumTracks returns an album's tracks sorted by IndexNumber.
func (d *DB) AlbumTracks(ctx context.Context, albumID string, downloadedOnly bool) ([]model.Track, error) {
	query := fmt.Sprintf(`SELECT %s FROM tracks t WHERE t.album_id = ?`, trackColumns)
	args := []any{albumID}
	if downloadedOnly {
		query += ` AND t.download_status = ?`
		args = append(args, model.Downloaded)
	}
	return d.queryTracksSortedByIndex(ctx, query, args...)
}

// PlaylistTracks returns a playlist's tracks in membership position order.
func (d *DB) PlaylistTracks(ctx context.Context, playlistID string, downloadedOnly bool) ([]model.Track, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tracks t
		JOIN playlist_memberships m ON m.track_id = t.id
		WHERE m.playlist_id = ?
	`, prefixColumns("t", trackColumns))
	args := []any{playlistID}
	if downloadedOnly {
		query += ` AND t.download_status = ?`
		args = append(args, model.Downloaded)
	}
	query += ` ORDER BY m.position ASC`

	var out []model.Track
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTrack(rows)
			if err != nil {
				d.log.Warn().Err(err).Msg("skipping unreadable track row")
				continue
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func prefixColumns(alias, cols string) string {
	// trackColumns already reads bare names; when joined we still select
	// unqualified since no ambiguity exists among these tables' columns.
	_ = alias
	return cols
}

// SearchTracks does a substring text match against the track blob's Name and
// Album fields, restricted to Downloaded tracks, per §6.3's downloaded-only
// search contract.
func (d *DB) SearchTracks(ctx context.Context, text string) ([]model.Track, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tracks t
		WHERE t.download_status = ?
		  AND (json_extract(t.blob, '$.Name') LIKE ? OR json_extract(t.blob, '$.Album') LIKE ?)
	`, trackColumns)
	like := "%" + text + "%"
	var out []model.Track
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, model.Downloaded, like, like)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTrack(rows)
			if err != nil {
				continue
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func (d *DB) queryTracksSortedByIndex(ctx context.Context, query string, args ...any) ([]model.Track, error) {
	var out []model.Track
	err := d.withRead(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTrack(rows)
			if err != nil {
				d.log.Warn().Err(err).Msg("skipping unreadable track row")
				continue
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sortTracksByIndexNumber(out)
	return out, nil
}

func sortTracksByIndexNumber(tracks []model.Track) {
	// Simple insertion sort: track lists per artist/album are small enough
	// (tens to low hundreds) that O(n^2) is not a concern here, and it
	// keeps equal-index tracks in the order the query returned them (the
	// queries set no ORDER BY), matching a stable sort without pulling in
	// sort.Slice's extra indirection.
	for i := 1; i < len(tracks); i++ {
		j := i
		for j > 0 && tracks[j-1].IndexNumber() > tracks[j].IndexNumber() {
			tracks[j-1], tracks[j] = tracks[j], tracks[j-1]
			j--
		}
	}
}

// GetTrack returns a single track by id.
func (d *DB) GetTrack(ctx context.Context, id string) (model.Track, bool, error) {
	var t model.Track
	found := false
	err := d.withRead(func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM tracks WHERE id = ?`, trackColumns), id)
		tr, err := scanTrack(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		t = tr
		found = true
		return nil
	})
	return t, found, err
}

// TracksInStatus returns tracks whose download_status is one of statuses,
// ordered Downloading-first then ascending IndexNumber (§4.4).
func (d *DB) TracksInStatus(ctx context.Context, statuses ...model.DownloadStatus) ([]model.Track, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, s)
	}
	query := fmt.Sprintf(`SELECT %s FROM tracks WHERE download_status IN (%s)`, trackColumns, placeholders)
	tracks, err := d.queryTracksSortedByIndex(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// Downloading ranked before Queued so an interrupted track resumes first,
	// stable within each group by the IndexNumber ordering already applied.
	downloading := make([]model.Track, 0, len(tracks))
	rest := make([]model.Track, 0, len(tracks))
	for _, t := range tracks {
		if t.DownloadStatus == model.Downloading {
			downloading = append(downloading, t)
		} else {
			rest = append(rest, t)
		}
	}
	return append(downloading, rest...), nil
}

// TotalDownloadedBytes sums download_size_bytes across Downloaded tracks.
func (d *DB) TotalDownloadedBytes(ctx context.Context) (int64, error) {
	var total int64
	err := d.withRead(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(download_size_bytes),0) FROM tracks WHERE download_status = ?`,
			model.Downloaded,
		).Scan(&total)
	})
	return total, err
}

// GetLastLibraryUpdate returns the last_library_update meta value, or 0 if unset.
func (d *DB) GetLastLibraryUpdate(ctx context.Context) (int64, error) {
	var val int64
	err := d.withRead(func(db *sql.DB) error {
		var s string
		err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_library_update'`).Scan(&s)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		_, scanErr := fmt.Sscanf(s, "%d", &val)
		return scanErr
	})
	return val, err
}

// GetLyrics returns a track's stored timed lines, if any.
func (d *DB) GetLyrics(ctx context.Context, trackID string) ([]model.LyricLine, bool, error) {
	var lines []model.LyricLine
	found := false
	err := d.withRead(func(db *sql.DB) error {
		var raw string
		err := db.QueryRowContext(ctx, `SELECT lines FROM lyrics WHERE track_id = ?`, trackID).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(raw), &lines)
	})
	return lines, found, err
}
