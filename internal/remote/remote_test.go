package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dhonus/jellytui-core/internal/errs"
	"github.com/dhonus/jellytui-core/internal/model"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	c := New(server.URL, "jellytui", "test-device", "dev-1", "0.1.0", zerolog.Nop())
	return c, server.Close
}

func TestAuthenticateSetsTokenHeader(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Users/AuthenticateByName" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth == "" {
			t.Error("expected MediaBrowser Authorization header on the auth request")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"AccessToken": "tok-123",
			"ServerId":    "srv-1",
			"User":        map[string]string{"Id": "user-1"},
		})
	})
	defer closeFn()

	creds, err := c.Authenticate(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if creds.AccessToken != "tok-123" || creds.ServerID != "srv-1" || creds.UserID != "user-1" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
	if c.ServerID() != "srv-1" {
		t.Errorf("ServerID() = %q, want srv-1", c.ServerID())
	}
	if got := c.http.Header.Get("X-MediaBrowser-Token"); got != "tok-123" {
		t.Errorf("X-MediaBrowser-Token header = %q, want tok-123", got)
	}
}

func TestAuthenticateDeniedMapsToAuthDenied(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad credentials"}`))
	})
	defer closeFn()

	_, err := c.Authenticate(context.Background(), "alice", "wrong")
	if errs.KindOf(err) != errs.KindAuthDenied {
		t.Fatalf("KindOf(err) = %v, want AuthDenied", errs.KindOf(err))
	}
}

func TestListLibrariesFiltersToMusic(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"Items": []map[string]string{
				{"Id": "lib1", "Name": "Music", "CollectionType": "music"},
				{"Id": "lib2", "Name": "Movies", "CollectionType": "movies"},
			},
		})
	})
	defer closeFn()

	libs, err := c.ListLibraries(context.Background())
	if err != nil {
		t.Fatalf("ListLibraries: %v", err)
	}
	if len(libs) != 1 || libs[0].ID != "lib1" {
		t.Fatalf("expected only the music library, got %+v", libs)
	}
	if !libs[0].Selected {
		t.Error("expected Selected=true on a freshly-listed library")
	}
}

func TestListArtistsSkipsUnparseableBlobs(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Items": [{"Id": "a1", "Name": "Good"}, "not-an-object"]}`))
	})
	defer closeFn()

	artists, err := c.ListArtists(context.Background())
	if err != nil {
		t.Fatalf("ListArtists: %v", err)
	}
	if len(artists) != 1 || artists[0].ID != "a1" {
		t.Fatalf("expected one well-formed artist to survive, got %+v", artists)
	}
}

func TestFetchDiscographyDecodesTracks(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("artistIds") != "art-1" {
			t.Errorf("expected artistIds=art-1 in query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"Items": []map[string]any{
				{
					"Id":      "t1",
					"AlbumId": "alb1",
					"ArtistItems": []map[string]string{
						{"Id": "art-1", "Name": "Artist One"},
					},
				},
			},
		})
	})
	defer closeFn()

	tracks, err := c.FetchDiscography(context.Background(), "art-1")
	if err != nil {
		t.Fatalf("FetchDiscography: %v", err)
	}
	if len(tracks) != 1 || tracks[0].ID != "t1" || tracks[0].AlbumID != "alb1" {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
	if len(tracks[0].ArtistItems) != 1 || tracks[0].ArtistItems[0].Name != "Artist One" {
		t.Fatalf("unexpected artist items: %+v", tracks[0].ArtistItems)
	}
}

func TestResolveStreamURLDirectPlayVsTranscode(t *testing.T) {
	c := New("http://jf.local", "jellytui", "dev", "dev-1", "0.1.0", zerolog.Nop())
	c.accessToken = "tok"
	c.userID = "user-1"

	direct := c.ResolveStreamURL("track-1", TranscodeProfile{Enabled: false})
	if !contains(direct, "audioCodec=copy") {
		t.Errorf("expected direct-play URL to request codec copy, got %q", direct)
	}

	transcoded := c.ResolveStreamURL("track-1", TranscodeProfile{Enabled: true, Bitrate: 192000, Container: "mp3"})
	if !contains(transcoded, "audioBitRate=192000") || !contains(transcoded, "transcodingContainer=mp3") {
		t.Errorf("expected transcoded URL to carry bitrate/container, got %q", transcoded)
	}
}

func TestProbeClassifiesFailureAsCzechTrain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "jellytui", "dev", "dev-1", "0.1.0", zerolog.Nop())
	q := c.Probe(context.Background())
	if q != model.QualityCzechTrain {
		t.Errorf("Probe() = %v, want CzechTrain on failure", q)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
