// Package model holds the shared vocabulary the whole core speaks: the
// persisted entities (§3), the download-status enum, and the Command/Status
// tagged unions collaborators exchange with the Orchestrator (§6.1, §6.2).
package model

import "encoding/json"

// DownloadStatus is the lifecycle state of a track's cached audio file (§3).
type DownloadStatus string

const (
	NotDownloaded DownloadStatus = "NotDownloaded"
	Queued        DownloadStatus = "Queued"
	Downloading   DownloadStatus = "Downloading"
	Downloaded    DownloadStatus = "Downloaded"
)

// NetworkQuality is the coarse classification the Remote Adapter's probe
// reports (§4.2). CzechTrain is kept as a named, distinct, disabled state.
type NetworkQuality string

const (
	QualityNormal     NetworkQuality = "Normal"
	QualitySlow       NetworkQuality = "Slow"
	QualityCzechTrain NetworkQuality = "CzechTrain"
)

// ArtistItem is a denormalized (id, name) pair snapshotted onto a track (§3).
type ArtistItem struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// Library groups albums under a collection (§3).
type Library struct {
	ID             string
	Name           string
	CollectionType string
	LastSeen       int64
	Selected       bool
}

// Artist is a stable remote id plus its canonical JSON blob (§3).
type Artist struct {
	ID   string
	Blob json.RawMessage
}

// Album belongs to exactly one library (§3, I5).
type Album struct {
	ID        string
	LibraryID string
	Blob      json.RawMessage
}

// Playlist carries a display name and favorite flag inside its blob (§3).
type Playlist struct {
	ID   string
	Blob json.RawMessage
}

// Track is the richest entity: indexable columns alongside the canonical
// blob, kept in sync by the database trigger described in §4.1 (I3).
type Track struct {
	ID                string
	AlbumID           string
	LibraryID         string
	ArtistItems       []ArtistItem
	DownloadStatus    DownloadStatus
	DownloadSizeBytes int64
	DownloadedAt      int64
	LastPlayed        int64
	Disliked          bool
	Blob              json.RawMessage
}

// IndexNumber reads the track's sort position out of its blob, defaulting to
// the sentinel the original client uses for unset values.
func (t Track) IndexNumber() int {
	const sentinel = 999999
	if len(t.Blob) == 0 {
		return sentinel
	}
	var partial struct {
		IndexNumber *int `json:"IndexNumber"`
	}
	if err := json.Unmarshal(t.Blob, &partial); err != nil || partial.IndexNumber == nil {
		return sentinel
	}
	return *partial.IndexNumber
}

// LyricLine is a timed line in a track's lyrics array (§3).
type LyricLine struct {
	Start int64  `json:"start"`
	Text  string `json:"text"`
}

// MissingEntityKind names which table the deferred-delete bookkeeping
// concerns (§3 MissingCounter, §4.3.4).
type MissingEntityKind string

const (
	KindArtist   MissingEntityKind = "artist"
	KindAlbum    MissingEntityKind = "album"
	KindPlaylist MissingEntityKind = "playlist"
)

// ProgressReport is telemetry forwarded to the remote server during
// playback (§6.1 Jellyfin(ReportProgress)).
type ProgressReport struct {
	ItemID          string
	PositionTicks   int64
	IsPaused        bool
	PlaySessionID   string
}

// --- Command: collaborator -> core (§6.1) ---

type CommandKind int

const (
	CmdDownloadTrack CommandKind = iota
	CmdDownloadTracks
	CmdDownloadCoverArt
	CmdUpdateSongPlayed
	CmdUpdateDiscography
	CmdUpdatePlaylist
	CmdUpdateLibrary
	CmdUpdateOfflineRepair
	CmdRemoveTrack
	CmdRemoveTracks
	CmdRenamePlaylist
	CmdDeletePlaylist
	CmdJellyfinStopped
	CmdJellyfinPlaying
	CmdJellyfinReportProgress
	CmdCancelDownloads
	CmdDislikeTrack
)

// Command is a tagged union; only the fields relevant to Kind are set.
type Command struct {
	Kind CommandKind

	Track      Track    // CmdDownloadTrack, CmdRemoveTrack
	Tracks     []Track  // CmdDownloadTracks, CmdRemoveTracks
	PlaylistID string   // CmdDownloadTrack (optional), CmdUpdatePlaylist, CmdRenamePlaylist, CmdDeletePlaylist
	ItemID     string   // CmdDownloadCoverArt, CmdJellyfinStopped (optional), CmdJellyfinPlaying
	TrackID    string   // CmdUpdateSongPlayed, CmdDislikeTrack
	ArtistID   string   // CmdUpdateDiscography
	NewName    string   // CmdRenamePlaylist

	PositionTicks *int64 // CmdJellyfinStopped (optional)
	Report        ProgressReport // CmdJellyfinReportProgress

	Disliked bool // CmdDislikeTrack
}

// --- Status: core -> collaborator (§6.2) ---

type StatusKind int

const (
	StTrackQueued StatusKind = iota
	StTrackDownloading
	StTrackDownloaded
	StTrackDeleted
	StCoverArtDownloaded
	StArtistsUpdated
	StAlbumsUpdated
	StPlaylistsUpdated
	StDiscographyUpdated
	StPlaylistUpdated
	StUpdateStarted
	StUpdateFinished
	StUpdateFailed
	StProgressUpdate
	StAllDownloaded
	StNetworkQualityChanged
	StError
)

// Status is a tagged union emitted on the core's status-emit channel.
type Status struct {
	Kind StatusKind

	ID      string // TrackQueued/Downloaded/Deleted id, Discography/Playlist id
	Track   Track  // TrackDownloading
	ItemID  string // CoverArtDownloaded (optional)
	Error   string // UpdateFailed, Error
	Progress float64 // ProgressUpdate, 0..100
	Quality  NetworkQuality // NetworkQualityChanged
}
