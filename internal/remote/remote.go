// Package remote implements the Remote Adapter (RA): a stateless HTTP/JSON
// client over the Jellyfin-style media server API (§4.2, §6.5). It issues
// requests and decodes opaque-JSON responses; it never retries and never
// deletes local state — those are policy decisions left to the Sync Engine
// and Download Coordinator.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dhonus/jellytui-core/internal/errs"
	"github.com/dhonus/jellytui-core/internal/model"
)

// Credentials is the result of a successful authentication handshake.
type Credentials struct {
	AccessToken string
	UserID      string
	ServerID    string
}

// TranscodeProfile gates whether resolved stream URLs ask the server to
// transcode, per §4.2.
type TranscodeProfile struct {
	Enabled   bool
	Bitrate   int
	Container string
}

// Client is a thin wrapper around resty carrying the auth header state a
// session needs; it holds no catalog or sync state of its own.
type Client struct {
	http *resty.Client

	deviceName string
	deviceID   string
	clientName string
	version    string

	serverURL   string
	accessToken string
	userID      string
	serverID    string

	log zerolog.Logger
}

// New builds a Client against baseURL. The device/client identity fields are
// sent verbatim in the MediaBrowser authorization header (§6.5).
func New(baseURL, clientName, deviceName, deviceID, version string, log zerolog.Logger) *Client {
	c := &Client{
		http:       resty.New().SetBaseURL(baseURL).SetTimeout(30 * time.Second),
		deviceName: deviceName,
		deviceID:   deviceID,
		clientName: clientName,
		version:    version,
		serverURL:  baseURL,
		log:        log,
	}
	c.http.SetHeader("Authorization", c.authHeader())
	return c
}

func (c *Client) authHeader() string {
	return fmt.Sprintf("MediaBrowser Client=%q, Device=%q, DeviceId=%q, Version=%q",
		c.clientName, c.deviceName, c.deviceID, c.version)
}

// Authenticate exchanges username/password for an access token and attaches
// it (plus the server id) to every subsequent request (§4.2).
func (c *Client) Authenticate(ctx context.Context, username, password string) (Credentials, error) {
	var body struct {
		Username string `json:"Username"`
		Pw       string `json:"Pw"`
	}
	body.Username = username
	body.Pw = password

	var out struct {
		AccessToken string `json:"AccessToken"`
		ServerID    string `json:"ServerId"`
		User        struct {
			ID string `json:"Id"`
		} `json:"User"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/Users/AuthenticateByName")
	if err != nil {
		return Credentials{}, errs.TransientNetwork("", fmt.Errorf("authenticate: %w", err))
	}
	if err := statusErr(resp, ""); err != nil {
		if resp.StatusCode() == 401 {
			return Credentials{}, errs.AuthDenied("", err)
		}
		return Credentials{}, err
	}

	c.accessToken = out.AccessToken
	c.userID = out.User.ID
	c.serverID = out.ServerID
	c.http.SetHeader("X-MediaBrowser-Token", c.accessToken)

	return Credentials{AccessToken: out.AccessToken, UserID: out.User.ID, ServerID: out.ServerID}, nil
}

// ServerID returns the id captured at authentication time, used to namespace
// the on-disk database and download cache (§6.4).
func (c *Client) ServerID() string { return c.serverID }

// statusErr turns a non-2xx resty response into an *errs.Error carrying the
// status and a body excerpt (§4.2 "return an error carrying the HTTP status
// and body excerpt").
func statusErr(resp *resty.Response, entityID string) error {
	if resp.IsSuccess() {
		return nil
	}
	excerpt := string(resp.Body())
	if len(excerpt) > 256 {
		excerpt = excerpt[:256]
	}
	err := fmt.Errorf("remote call failed: status %d: %s", resp.StatusCode(), excerpt)
	switch {
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return errs.AuthDenied(entityID, err)
	case resp.StatusCode() == 404:
		return errs.NotFound(entityID, err)
	case resp.StatusCode() >= 500:
		return errs.TransientNetwork(entityID, err)
	default:
		return err
	}
}

// ListLibraries fetches the music libraries the authenticated user can see.
func (c *Client) ListLibraries(ctx context.Context) ([]model.Library, error) {
	var out struct {
		Items []struct {
			ID             string `json:"Id"`
			Name           string `json:"Name"`
			CollectionType string `json:"CollectionType"`
		} `json:"Items"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("userId", c.userID).
		SetResult(&out).
		Get("/Users/" + c.userID + "/Views")
	if err != nil {
		return nil, errs.TransientNetwork("", fmt.Errorf("list libraries: %w", err))
	}
	if err := statusErr(resp, ""); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	libs := make([]model.Library, 0, len(out.Items))
	for _, it := range out.Items {
		if it.CollectionType != "music" {
			continue
		}
		libs = append(libs, model.Library{ID: it.ID, Name: it.Name, CollectionType: it.CollectionType, LastSeen: now, Selected: true})
	}
	return libs, nil
}

// rawItemsPage is the shape of Jellyfin's paged item-listing responses.
type rawItemsPage struct {
	Items            []json.RawMessage `json:"Items"`
	TotalRecordCount int                `json:"TotalRecordCount"`
}

// ListArtists fetches every artist the server knows about.
func (c *Client) ListArtists(ctx context.Context) ([]model.Artist, error) {
	var page rawItemsPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"userId":          c.userID,
			"recursive":       "true",
			"includeItemTypes": "MusicArtist",
		}).
		SetResult(&page).
		Get("/Artists")
	if err != nil {
		return nil, errs.TransientNetwork("", fmt.Errorf("list artists: %w", err))
	}
	if err := statusErr(resp, ""); err != nil {
		return nil, err
	}
	return artistsFromRaw(page.Items)
}

func artistsFromRaw(items []json.RawMessage) ([]model.Artist, error) {
	out := make([]model.Artist, 0, len(items))
	for _, raw := range items {
		var idOnly struct {
			ID string `json:"Id"`
		}
		if err := json.Unmarshal(raw, &idOnly); err != nil {
			continue // corrupt blob skipped, not fatal (§4.1 failure modes)
		}
		out = append(out, model.Artist{ID: idOnly.ID, Blob: json.RawMessage(raw)})
	}
	return out, nil
}

// ListAlbums fetches albums scoped to libraryID, or every album if empty.
func (c *Client) ListAlbums(ctx context.Context, libraryID string) ([]model.Album, error) {
	params := map[string]string{
		"userId":           c.userID,
		"recursive":        "true",
		"includeItemTypes": "MusicAlbum",
	}
	if libraryID != "" {
		params["parentId"] = libraryID
	}
	var page rawItemsPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&page).
		Get("/Items")
	if err != nil {
		return nil, errs.TransientNetwork(libraryID, fmt.Errorf("list albums: %w", err))
	}
	if err := statusErr(resp, libraryID); err != nil {
		return nil, err
	}

	out := make([]model.Album, 0, len(page.Items))
	for _, raw := range page.Items {
		var partial struct {
			ID       string `json:"Id"`
			ParentID string `json:"ParentId"`
		}
		if err := json.Unmarshal(raw, &partial); err != nil {
			continue
		}
		out = append(out, model.Album{ID: partial.ID, LibraryID: libraryID, Blob: json.RawMessage(raw)})
	}
	return out, nil
}

// ListPlaylists fetches the user's playlists.
func (c *Client) ListPlaylists(ctx context.Context) ([]model.Playlist, error) {
	var page rawItemsPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"userId":           c.userID,
			"recursive":        "true",
			"includeItemTypes": "Playlist",
		}).
		SetResult(&page).
		Get("/Items")
	if err != nil {
		return nil, errs.TransientNetwork("", fmt.Errorf("list playlists: %w", err))
	}
	if err := statusErr(resp, ""); err != nil {
		return nil, err
	}

	out := make([]model.Playlist, 0, len(page.Items))
	for _, raw := range page.Items {
		var idOnly struct {
			ID string `json:"Id"`
		}
		if err := json.Unmarshal(raw, &idOnly); err != nil {
			continue
		}
		out = append(out, model.Playlist{ID: idOnly.ID, Blob: json.RawMessage(raw)})
	}
	return out, nil
}

// rawTrackShape is the part of one remote item that tracksFromRaw decodes
// into the form the Sync Engine feeds to
// catalog.SyncDiscography/SyncPlaylistMembership.
type rawTrackShape struct {
	ID          string             `json:"Id"`
	AlbumID     string             `json:"AlbumId"`
	ArtistItems []model.ArtistItem `json:"ArtistItems"`
}

func tracksFromRaw(items []json.RawMessage) []Track {
	out := make([]Track, 0, len(items))
	for _, raw := range items {
		var shape rawTrackShape
		if err := json.Unmarshal(raw, &shape); err != nil {
			continue
		}
		out = append(out, Track{ID: shape.ID, AlbumID: shape.AlbumID, ArtistItems: shape.ArtistItems, Blob: raw})
	}
	return out
}

// Track is RA's output shape for a remote track listing; SE adapts
// it into catalog.RemoteTrack.
type Track struct {
	ID          string
	AlbumID     string
	ArtistItems []model.ArtistItem
	Blob        json.RawMessage
}

// FetchDiscography fetches every track the server attributes to artistID.
func (c *Client) FetchDiscography(ctx context.Context, artistID string) ([]Track, error) {
	var page rawItemsPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"userId":           c.userID,
			"recursive":        "true",
			"includeItemTypes": "Audio",
			"artistIds":        artistID,
		}).
		SetResult(&page).
		Get("/Items")
	if err != nil {
		return nil, errs.TransientNetwork(artistID, fmt.Errorf("fetch discography: %w", err))
	}
	if err := statusErr(resp, artistID); err != nil {
		return nil, err
	}
	return tracksFromRaw(page.Items), nil
}

// FetchPlaylistItems fetches a playlist's member tracks in order.
func (c *Client) FetchPlaylistItems(ctx context.Context, playlistID string) ([]Track, error) {
	var page rawItemsPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("userId", c.userID).
		SetResult(&page).
		Get("/Playlists/" + playlistID + "/Items")
	if err != nil {
		return nil, errs.TransientNetwork(playlistID, fmt.Errorf("fetch playlist items: %w", err))
	}
	if err := statusErr(resp, playlistID); err != nil {
		return nil, err
	}
	return tracksFromRaw(page.Items), nil
}

// ResolveStreamURL builds the audio-stream URL for a track, preferring
// direct-play when profile.Enabled is false (§4.2).
func (c *Client) ResolveStreamURL(trackID string, profile TranscodeProfile) string {
	if !profile.Enabled {
		return fmt.Sprintf("%s/Audio/%s/universal?userId=%s&deviceId=%s&api_key=%s&container=%s&audioCodec=copy",
			c.serverURL, trackID, c.userID, c.deviceID, c.accessToken, "opus,mp3,aac,flac,wav,ogg")
	}
	return fmt.Sprintf("%s/Audio/%s/universal?userId=%s&deviceId=%s&api_key=%s&container=%s&audioBitRate=%d&transcodingContainer=%s",
		c.serverURL, trackID, c.userID, c.deviceID, c.accessToken, profile.Container, profile.Bitrate, profile.Container)
}

// FetchCoverArt downloads a parent item's primary image to destPath
// (§4.1 design note (c): keyed strictly by parent id).
func (c *Client) FetchCoverArt(ctx context.Context, parentID, destPath string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetOutput(destPath).
		Get("/Items/" + parentID + "/Images/Primary")
	if err != nil {
		return errs.TransientNetwork(parentID, fmt.Errorf("fetch cover art: %w", err))
	}
	return statusErr(resp, parentID)
}

// FetchLyrics fetches timed lyric lines for a track, if the server has them.
func (c *Client) FetchLyrics(ctx context.Context, trackID string) ([]model.LyricLine, error) {
	var out struct {
		Lyrics []struct {
			Start int64  `json:"Start"`
			Text  string `json:"Text"`
		} `json:"Lyrics"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/Audio/" + trackID + "/Lyrics")
	if err != nil {
		return nil, errs.TransientNetwork(trackID, fmt.Errorf("fetch lyrics: %w", err))
	}
	if resp.StatusCode() == 404 {
		return nil, nil // no lyrics is not an error
	}
	if err := statusErr(resp, trackID); err != nil {
		return nil, err
	}
	lines := make([]model.LyricLine, 0, len(out.Lyrics))
	for _, l := range out.Lyrics {
		lines = append(lines, model.LyricLine{Start: l.Start, Text: l.Text})
	}
	return lines, nil
}

// ReportPlaybackStart notifies the server a track began playing.
func (c *Client) ReportPlaybackStart(ctx context.Context, itemID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"ItemId": itemID}).
		Post("/Sessions/Playing")
	if err != nil {
		return errs.TransientNetwork(itemID, fmt.Errorf("report playback start: %w", err))
	}
	return statusErr(resp, itemID)
}

// ReportPlaybackStop notifies the server playback ended, optionally at a
// known position.
func (c *Client) ReportPlaybackStop(ctx context.Context, itemID string, positionTicks *int64) error {
	body := map[string]any{"ItemId": itemID}
	if positionTicks != nil {
		body["PositionTicks"] = *positionTicks
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/Sessions/Playing/Stopped")
	if err != nil {
		return errs.TransientNetwork(itemID, fmt.Errorf("report playback stop: %w", err))
	}
	return statusErr(resp, itemID)
}

// ReportProgress forwards periodic playback telemetry (§6.1 Jellyfin(ReportProgress)).
func (c *Client) ReportProgress(ctx context.Context, report model.ProgressReport) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"ItemId":        report.ItemID,
			"PositionTicks": report.PositionTicks,
			"IsPaused":      report.IsPaused,
			"PlaySessionId": report.PlaySessionID,
		}).
		Post("/Sessions/Playing/Progress")
	if err != nil {
		return errs.TransientNetwork(report.ItemID, fmt.Errorf("report progress: %w", err))
	}
	return statusErr(resp, report.ItemID)
}

// AddPlaylistItems appends trackIDs to an existing remote playlist.
func (c *Client) AddPlaylistItems(ctx context.Context, playlistID string, trackIDs []string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"userId": c.userID,
			"ids":    joinIDs(trackIDs),
		}).
		Post("/Playlists/" + playlistID + "/Items")
	if err != nil {
		return errs.TransientNetwork(playlistID, fmt.Errorf("add playlist items: %w", err))
	}
	return statusErr(resp, playlistID)
}

// RemovePlaylistItems removes entries (identified by entry id, not track id)
// from a remote playlist.
func (c *Client) RemovePlaylistItems(ctx context.Context, playlistID string, entryIDs []string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("entryIds", joinIDs(entryIDs)).
		Delete("/Playlists/" + playlistID + "/Items")
	if err != nil {
		return errs.TransientNetwork(playlistID, fmt.Errorf("remove playlist items: %w", err))
	}
	return statusErr(resp, playlistID)
}

// CreatePlaylist creates a new remote playlist and returns its id.
func (c *Client) CreatePlaylist(ctx context.Context, name string, trackIDs []string) (string, error) {
	var out struct {
		ID string `json:"Id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"Name":    name,
			"UserId":  c.userID,
			"Ids":     trackIDs,
			"MediaType": "Audio",
		}).
		SetResult(&out).
		Post("/Playlists")
	if err != nil {
		return "", errs.TransientNetwork("", fmt.Errorf("create playlist: %w", err))
	}
	if err := statusErr(resp, ""); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DeletePlaylist deletes a remote playlist.
func (c *Client) DeletePlaylist(ctx context.Context, playlistID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/Items/" + playlistID)
	if err != nil {
		return errs.TransientNetwork(playlistID, fmt.Errorf("delete playlist: %w", err))
	}
	return statusErr(resp, playlistID)
}

// RenamePlaylist propagates a rename to the remote server.
func (c *Client) RenamePlaylist(ctx context.Context, playlistID, newName string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"Name": newName}).
		Post("/Items/" + playlistID)
	if err != nil {
		return errs.TransientNetwork(playlistID, fmt.Errorf("rename playlist: %w", err))
	}
	return statusErr(resp, playlistID)
}

// Search performs a text search across artists/albums/tracks.
func (c *Client) Search(ctx context.Context, text string) ([]Track, error) {
	var page rawItemsPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"userId":           c.userID,
			"searchTerm":       text,
			"includeItemTypes": "Audio,MusicAlbum,MusicArtist",
			"recursive":        "true",
		}).
		SetResult(&page).
		Get("/Items")
	if err != nil {
		return nil, errs.TransientNetwork("", fmt.Errorf("search: %w", err))
	}
	if err := statusErr(resp, ""); err != nil {
		return nil, err
	}
	return tracksFromRaw(page.Items), nil
}

// Probe classifies network quality per §4.2 by timing a lightweight ping
// endpoint and noting whether it succeeded.
func (c *Client) Probe(ctx context.Context) model.NetworkQuality {
	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).Get("/System/Ping")
	elapsed := time.Since(start)

	if err != nil || !resp.IsSuccess() {
		return model.QualityCzechTrain
	}
	switch {
	case elapsed > 2*time.Second:
		return model.QualityCzechTrain
	case elapsed > 400*time.Millisecond:
		return model.QualitySlow
	default:
		return model.QualityNormal
	}
}

// StreamTrack opens the audio body for trackID without buffering it into
// memory, for the Download Coordinator to copy at its own pace. The caller
// owns the returned body and must close it. contentLength is -1 when the
// server did not send one (§4.4 step 5, B3).
func (c *Client) StreamTrack(ctx context.Context, trackID string, profile TranscodeProfile) (body *resty.Response, contentLength int64, err error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.ResolveStreamURL(trackID, profile))
	if err != nil {
		return nil, 0, errs.TransientNetwork(trackID, fmt.Errorf("stream track: %w", err))
	}
	if !resp.IsSuccess() {
		if resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		return nil, 0, statusErr(resp, trackID)
	}
	return resp, resp.RawResponse.ContentLength, nil
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
