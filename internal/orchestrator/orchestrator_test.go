package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dhonus/jellytui-core/internal/catalog"
	"github.com/dhonus/jellytui-core/internal/config"
	"github.com/dhonus/jellytui-core/internal/download"
	"github.com/dhonus/jellytui-core/internal/model"
	"github.com/dhonus/jellytui-core/internal/remote"
	"github.com/dhonus/jellytui-core/internal/resilience"
	syncengine "github.com/dhonus/jellytui-core/internal/sync"
)

// stubSyncRemote satisfies syncengine.RemoteClient with empty responses; the
// orchestrator tests below exercise queueing and dispatch, not the Sync
// Engine's own reconciliation logic (that's covered in the sync package).
type stubSyncRemote struct{}

func (stubSyncRemote) ListLibraries(ctx context.Context) ([]model.Library, error) { return nil, nil }
func (stubSyncRemote) ListArtists(ctx context.Context) ([]model.Artist, error)     { return nil, nil }
func (stubSyncRemote) ListAlbums(ctx context.Context, libraryID string) ([]model.Album, error) {
	return nil, nil
}
func (stubSyncRemote) ListPlaylists(ctx context.Context) ([]model.Playlist, error) { return nil, nil }
func (stubSyncRemote) FetchDiscography(ctx context.Context, artistID string) ([]remote.Track, error) {
	return nil, nil
}
func (stubSyncRemote) FetchPlaylistItems(ctx context.Context, playlistID string) ([]remote.Track, error) {
	return nil, nil
}

// stubDownloadRemote satisfies download.RemoteClient with no tracks to ever
// stream; these tests never drive a download to completion.
type stubDownloadRemote struct{}

func (stubDownloadRemote) StreamTrack(ctx context.Context, trackID string, profile remote.TranscodeProfile) (*resty.Response, int64, error) {
	return nil, 0, context.Canceled
}
func (stubDownloadRemote) FetchCoverArt(ctx context.Context, parentID, destPath string) error {
	return nil
}
func (stubDownloadRemote) FetchLyrics(ctx context.Context, trackID string) ([]model.LyricLine, error) {
	return nil, nil
}

// fakeReporter lets tests script a sequence of Probe() results.
type fakeReporter struct {
	qualities []model.NetworkQuality
	calls     int
}

func (f *fakeReporter) Probe(ctx context.Context) model.NetworkQuality {
	if f.calls >= len(f.qualities) {
		return model.QualityNormal
	}
	q := f.qualities[f.calls]
	f.calls++
	return q
}
func (f *fakeReporter) FetchCoverArt(ctx context.Context, parentID, destPath string) error {
	return nil
}
func (f *fakeReporter) ReportPlaybackStart(ctx context.Context, itemID string) error { return nil }
func (f *fakeReporter) ReportPlaybackStop(ctx context.Context, itemID string, positionTicks *int64) error {
	return nil
}
func (f *fakeReporter) ReportProgress(ctx context.Context, report model.ProgressReport) error {
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, chan model.Command, chan model.Status) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.sqlite")
	db, err := catalog.Open(dbPath, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	statuses := make(chan model.Status, 64)
	commands := make(chan model.Command, 8)

	guard := resilience.NewGuard("orchestrator-test", 5)
	se := syncengine.New(db, stubSyncRemote{}, guard, config.Thresholds{Artist: 4, Album: 3, Playlist: 3}, zerolog.Nop(), statuses)
	dc := download.New(db, stubDownloadRemote{}, guard, &config.Config{DataDir: t.TempDir()}, "srv1", zerolog.Nop(), statuses, 4)
	reporter := &fakeReporter{}

	o := New(db, se, dc, reporter, guard, &config.Config{DataDir: t.TempDir()}, "srv1", commands, statuses, zerolog.Nop(), ModeOnline)
	return o, commands, statuses
}

// TestEnqueueDiscographyDedupesAndCaps covers the §4.3.5 de-duplication
// rule: the same artist id never queues twice, and at most three distinct
// Discography tasks are held at once.
func TestEnqueueDiscographyDedupesAndCaps(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	o.enqueueDiscography("art1")
	o.enqueueDiscography("art1")
	o.enqueueDiscography("art2")
	o.enqueueDiscography("art3")
	o.enqueueDiscography("art4")

	o.mu.Lock()
	n := len(o.queue)
	o.mu.Unlock()
	if n != 3 {
		t.Fatalf("queue length = %d, want 3 (dedup + cap)", n)
	}
}

// TestEnqueueGlobalUpdateIsSingleton covers S5: a second Library update
// request while one is already queued is a no-op, not a second entry.
func TestEnqueueGlobalUpdateIsSingleton(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	o.enqueueGlobalUpdate()
	o.enqueueGlobalUpdate()
	o.enqueueGlobalUpdate()

	o.mu.Lock()
	n := len(o.queue)
	o.mu.Unlock()
	if n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
}

// TestRunOneStepPrefersQueuedTaskOverDownloadPump ensures a pending Sync
// Engine task always runs before the coordinator is given a pump turn.
func TestRunOneStepPrefersQueuedTaskOverDownloadPump(t *testing.T) {
	o, _, statuses := newTestOrchestrator(t)
	o.enqueueGlobalUpdate()

	o.runOneStep(context.Background())

	o.mu.Lock()
	n := len(o.queue)
	o.mu.Unlock()
	if n != 0 {
		t.Errorf("expected the queued task to be drained, queue length = %d", n)
	}

	found := false
	for {
		select {
		case st := <-statuses:
			if st.Kind == model.StUpdateStarted {
				found = true
			}
		default:
			if !found {
				t.Error("expected the global update task to have run (UpdateStarted)")
			}
			return
		}
	}
}

// TestNetworkQualityChangeReprogramsGuardAndEmitsStatus covers S6: a
// classification change reprograms the resilience guard and announces
// itself, but repeating the same classification does neither.
func TestNetworkQualityChangeReprogramsGuardAndEmitsStatus(t *testing.T) {
	o, _, statuses := newTestOrchestrator(t)
	reporter := o.rc.(*fakeReporter)
	reporter.qualities = []model.NetworkQuality{model.QualitySlow, model.QualitySlow, model.QualityCzechTrain}

	o.recheckNetworkQuality(context.Background())
	if got := drainOne(statuses); got == nil || got.Kind != model.StNetworkQualityChanged || got.Quality != model.QualitySlow {
		t.Fatalf("expected a NetworkQualityChanged(Slow) status, got %v", got)
	}
	if o.netCheckInterval() != 90*time.Second {
		t.Errorf("interval after Slow = %v, want 90s", o.netCheckInterval())
	}

	o.recheckNetworkQuality(context.Background()) // same quality again
	if got := drainOne(statuses); got != nil {
		t.Errorf("expected no status for a repeated classification, got %v", got)
	}

	o.recheckNetworkQuality(context.Background())
	if got := drainOne(statuses); got == nil || got.Quality != model.QualityCzechTrain {
		t.Fatalf("expected a NetworkQualityChanged(CzechTrain) status, got %v", got)
	}
	if o.netCheckInterval() != 30*time.Second {
		t.Errorf("interval after CzechTrain = %v, want 30s", o.netCheckInterval())
	}
}

func drainOne(ch chan model.Status) *model.Status {
	select {
	case st := <-ch:
		return &st
	default:
		return nil
	}
}

// TestHandleCommandAppliesLocalMutationDirectly covers the local-mutation
// command path: CmdDislikeTrack should hit the Catalog Store synchronously,
// with no task-queue involvement.
func TestHandleCommandAppliesLocalMutationDirectly(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.db.SyncDiscography(ctx, "art1", []catalog.RemoteTrack{
		{ID: "trk1", AlbumID: "alb1", Blob: []byte(`{"Name":"Song"}`)},
	}); err != nil {
		t.Fatalf("seed track: %v", err)
	}

	o.handleCommand(ctx, model.Command{Kind: model.CmdDislikeTrack, TrackID: "trk1", Disliked: true})

	track, ok, err := o.db.GetTrack(ctx, "trk1")
	if err != nil || !ok {
		t.Fatalf("GetTrack: ok=%v err=%v", ok, err)
	}
	if !track.Disliked {
		t.Error("expected track to be marked disliked")
	}
}
