package sync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dhonus/jellytui-core/internal/catalog"
	"github.com/dhonus/jellytui-core/internal/config"
	"github.com/dhonus/jellytui-core/internal/model"
	"github.com/dhonus/jellytui-core/internal/remote"
	"github.com/dhonus/jellytui-core/internal/resilience"
)

// fakeRemote is a hand-rolled RemoteClient double; it needs no network and
// lets each test control exactly what the "server" returns.
type fakeRemote struct {
	libraries   []model.Library
	artists     []model.Artist
	albums      map[string][]model.Album // keyed by library id
	playlists   []model.Playlist
	discography map[string][]remote.Track
	playlistItems map[string][]remote.Track
	listAlbumsErr error
}

func (f *fakeRemote) ListLibraries(ctx context.Context) ([]model.Library, error) { return f.libraries, nil }
func (f *fakeRemote) ListArtists(ctx context.Context) ([]model.Artist, error)    { return f.artists, nil }
func (f *fakeRemote) ListAlbums(ctx context.Context, libraryID string) ([]model.Album, error) {
	if f.listAlbumsErr != nil {
		return nil, f.listAlbumsErr
	}
	return f.albums[libraryID], nil
}
func (f *fakeRemote) ListPlaylists(ctx context.Context) ([]model.Playlist, error) { return f.playlists, nil }
func (f *fakeRemote) FetchDiscography(ctx context.Context, artistID string) ([]remote.Track, error) {
	return f.discography[artistID], nil
}
func (f *fakeRemote) FetchPlaylistItems(ctx context.Context, playlistID string) ([]remote.Track, error) {
	return f.playlistItems[playlistID], nil
}

func openTestDB(t *testing.T) *catalog.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	db, err := catalog.Open(path, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func blob(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func defaultThresholds() config.Thresholds {
	return config.Thresholds{Artist: 4, Album: 3, Playlist: 3}
}

func testGuard() *resilience.Guard {
	return resilience.NewGuard("sync-test", 5)
}

func TestRunGlobalUpdateEmitsLifecycleEvents(t *testing.T) {
	db := openTestDB(t)
	statuses := make(chan model.Status, 64)

	fr := &fakeRemote{
		libraries: []model.Library{{ID: "lib1", Name: "Music", CollectionType: "music"}},
		artists:   []model.Artist{{ID: "art1", Blob: blob(t, map[string]string{"Name": "Artist One"})}},
		albums: map[string][]model.Album{
			"lib1": {{ID: "alb1", LibraryID: "lib1", Blob: blob(t, map[string]any{"AlbumArtists": []model.ArtistItem{{ID: "art1", Name: "Artist One"}}})}},
		},
		playlists: []model.Playlist{{ID: "pl1", Blob: blob(t, map[string]string{"Name": "Favorites"})}},
	}

	e := New(db, fr, testGuard(), defaultThresholds(), zerolog.Nop(), statuses)
	if err := e.RunGlobalUpdate(context.Background()); err != nil {
		t.Fatalf("RunGlobalUpdate: %v", err)
	}

	var kinds []model.StatusKind
	close(statuses)
	for st := range statuses {
		kinds = append(kinds, st.Kind)
	}

	want := map[model.StatusKind]bool{
		model.StUpdateStarted:     false,
		model.StArtistsUpdated:    false,
		model.StAlbumsUpdated:     false,
		model.StPlaylistsUpdated:  false,
		model.StUpdateFinished:    false,
	}
	for _, k := range kinds {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("expected status kind %v to be emitted, events were %v", k, kinds)
		}
	}
	if kinds[0] != model.StUpdateStarted {
		t.Errorf("expected UpdateStarted first, got %v", kinds[0])
	}
	if kinds[len(kinds)-1] != model.StUpdateFinished {
		t.Errorf("expected UpdateFinished last, got %v", kinds[len(kinds)-1])
	}
}

func TestRunGlobalUpdateIsIdempotentOnUnchangedRemote(t *testing.T) {
	db := openTestDB(t)
	statuses := make(chan model.Status, 64)
	fr := &fakeRemote{
		libraries: []model.Library{{ID: "lib1", Name: "Music", CollectionType: "music"}},
		artists:   []model.Artist{{ID: "art1", Blob: blob(t, map[string]string{"Name": "Artist One"})}},
		albums:    map[string][]model.Album{"lib1": {{ID: "alb1", LibraryID: "lib1", Blob: blob(t, map[string]any{})}}},
		playlists: []model.Playlist{{ID: "pl1", Blob: blob(t, map[string]string{"Name": "Favorites"})}},
	}
	e := New(db, fr, testGuard(), defaultThresholds(), zerolog.Nop(), statuses)

	if err := e.RunGlobalUpdate(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	drain(statuses)

	if err := e.RunGlobalUpdate(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	kinds := drain(statuses)

	for _, k := range kinds {
		if k == model.StArtistsUpdated || k == model.StAlbumsUpdated || k == model.StPlaylistsUpdated {
			t.Errorf("second run with unchanged remote should not re-emit %v (R1)", k)
		}
	}
}

func drain(ch chan model.Status) []model.StatusKind {
	var out []model.StatusKind
	for {
		select {
		case st := <-ch:
			out = append(out, st.Kind)
		default:
			return out
		}
	}
}

func TestRunGlobalUpdateLeavesAlbumsAloneOnListError(t *testing.T) {
	db := openTestDB(t)
	statuses := make(chan model.Status, 64)
	fr := &fakeRemote{
		libraries:     []model.Library{{ID: "lib1", Name: "Music", CollectionType: "music"}},
		listAlbumsErr: os.ErrDeadlineExceeded,
	}
	e := New(db, fr, testGuard(), defaultThresholds(), zerolog.Nop(), statuses)
	ctx := context.Background()
	if _, err := db.UpsertAlbum(ctx, model.Album{ID: "alb1", LibraryID: "lib1", Blob: blob(t, map[string]any{})}, nil, nil); err != nil {
		t.Fatalf("seed album: %v", err)
	}

	// As many failed listings as the album threshold: with deletes suppressed,
	// the seeded album must still be there afterwards.
	for i := 0; i < defaultThresholds().Album; i++ {
		if err := e.RunGlobalUpdate(ctx); err != nil {
			t.Fatalf("RunGlobalUpdate should tolerate a failed library listing: %v", err)
		}
	}
	albums, err := db.AllAlbums(ctx)
	if err != nil {
		t.Fatalf("AllAlbums: %v", err)
	}
	if len(albums) != 1 || albums[0].ID != "alb1" {
		t.Errorf("expected album alb1 to survive failed listings, got %+v", albums)
	}
}

func TestRunDiscographyUpdateRemovesStaleMembership(t *testing.T) {
	db := openTestDB(t)
	statuses := make(chan model.Status, 64)
	fr := &fakeRemote{
		discography: map[string][]remote.Track{
			"art1": {{ID: "t1", AlbumID: "alb1", Blob: blob(t, map[string]string{"Name": "Song One"})}},
		},
	}
	e := New(db, fr, testGuard(), defaultThresholds(), zerolog.Nop(), statuses)

	if err := e.RunDiscographyUpdate(context.Background(), "art1"); err != nil {
		t.Fatalf("first RunDiscographyUpdate: %v", err)
	}
	drain(statuses)

	track, ok, err := db.GetTrack(context.Background(), "t1")
	if err != nil || !ok {
		t.Fatalf("expected track t1 to exist, ok=%v err=%v", ok, err)
	}
	if track.AlbumID != "alb1" {
		t.Errorf("track.AlbumID = %q, want alb1", track.AlbumID)
	}

	// Second run with an empty discography should drop the membership but
	// not the track row itself (it may still be a playlist member).
	fr.discography["art1"] = nil
	if err := e.RunDiscographyUpdate(context.Background(), "art1"); err != nil {
		t.Fatalf("second RunDiscographyUpdate: %v", err)
	}

	_, ok, err = db.GetTrack(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTrack after removal: %v", err)
	}
	if !ok {
		t.Error("track row should survive losing its artist membership")
	}

	remaining, err := db.DiscographyByArtist(context.Background(), "art1", false)
	if err != nil {
		t.Fatalf("DiscographyByArtist: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("stale artist membership should be gone, discography still has %d tracks", len(remaining))
	}
}
