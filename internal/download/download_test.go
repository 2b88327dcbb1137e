package download

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dhonus/jellytui-core/internal/catalog"
	"github.com/dhonus/jellytui-core/internal/config"
	"github.com/dhonus/jellytui-core/internal/model"
	"github.com/dhonus/jellytui-core/internal/remote"
	"github.com/dhonus/jellytui-core/internal/resilience"
)

// fakeRemote is a hand-rolled RemoteClient double, same idiom as the sync
// package's test double.
type fakeRemote struct {
	streamBody          io.ReadCloser
	streamContentLength int64
	streamErr           error
	coverArtErr         error
}

func (f *fakeRemote) StreamTrack(ctx context.Context, trackID string, profile remote.TranscodeProfile) (*resty.Response, int64, error) {
	if f.streamErr != nil {
		return nil, 0, f.streamErr
	}
	resp := &resty.Response{RawResponse: &http.Response{Body: f.streamBody, ContentLength: f.streamContentLength}}
	return resp, f.streamContentLength, nil
}

func (f *fakeRemote) FetchCoverArt(ctx context.Context, parentID, destPath string) error {
	return f.coverArtErr
}

func (f *fakeRemote) FetchLyrics(ctx context.Context, trackID string) ([]model.LyricLine, error) {
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{DataDir: t.TempDir()}
}

func testGuard() *resilience.Guard {
	return resilience.NewGuard("download-test", 5)
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

// seedQueuedTrack inserts a track via the same discography sync path the
// Sync Engine uses, then queues it for download.
func seedQueuedTrack(t *testing.T, db *catalog.DB, trackID, albumID string) {
	t.Helper()
	ctx := context.Background()
	_, err := db.SyncDiscography(ctx, "art1", []catalog.RemoteTrack{
		{ID: trackID, AlbumID: albumID, Blob: blob(t, map[string]string{"Name": "Song"})},
	})
	if err != nil {
		t.Fatalf("seed discography: %v", err)
	}
	if err := db.SetDownloadQueued(ctx, trackID); err != nil {
		t.Fatalf("SetDownloadQueued: %v", err)
	}
}

func drainStatuses(ch chan model.Status) []model.Status {
	var out []model.Status
	for {
		select {
		case st := <-ch:
			out = append(out, st)
		default:
			return out
		}
	}
}

// TestRunPumpHappyPath covers S1: a queued track streams to completion and
// lands on disk with a committed Downloaded row.
func TestRunPumpHappyPath(t *testing.T) {
	db := openTestDB(t)
	seedQueuedTrack(t, db, "trk1", "alb1")

	body := "hello world audio bytes"
	fr := &fakeRemote{streamBody: io.NopCloser(strings.NewReader(body)), streamContentLength: int64(len(body))}
	statuses := make(chan model.Status, 16)
	coord := New(db, fr, testGuard(), testConfig(t), "srv1", zerolog.Nop(), statuses, 4)

	if err := coord.RunPump(context.Background()); err != nil {
		t.Fatalf("RunPump: %v", err)
	}

	track, ok, err := db.GetTrack(context.Background(), "trk1")
	if err != nil || !ok {
		t.Fatalf("GetTrack: ok=%v err=%v", ok, err)
	}
	if track.DownloadStatus != model.Downloaded {
		t.Fatalf("status = %v, want Downloaded", track.DownloadStatus)
	}
	if track.DownloadSizeBytes != int64(len(body)) {
		t.Errorf("download_size_bytes = %d, want %d", track.DownloadSizeBytes, len(body))
	}

	finalPath := filepath.Join(testConfigDownloadsRoot(coord), "alb1", "trk1")
	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != body {
		t.Errorf("file contents = %q, want %q", data, body)
	}

	kinds := map[model.StatusKind]bool{}
	for _, st := range drainStatuses(statuses) {
		kinds[st.Kind] = true
	}
	if !kinds[model.StTrackDownloading] || !kinds[model.StTrackDownloaded] {
		t.Errorf("expected TrackDownloading and TrackDownloaded events, got %v", kinds)
	}
}

// TestRunPumpZeroContentLengthStillCompletes covers B3: an unknown
// Content-Length still completes as Downloaded, with size derived from bytes
// actually written.
func TestRunPumpZeroContentLengthStillCompletes(t *testing.T) {
	db := openTestDB(t)
	seedQueuedTrack(t, db, "trk1", "alb1")

	body := "unsized body"
	fr := &fakeRemote{streamBody: io.NopCloser(strings.NewReader(body)), streamContentLength: 0}
	statuses := make(chan model.Status, 16)
	coord := New(db, fr, testGuard(), testConfig(t), "srv1", zerolog.Nop(), statuses, 4)

	if err := coord.RunPump(context.Background()); err != nil {
		t.Fatalf("RunPump: %v", err)
	}

	track, ok, err := db.GetTrack(context.Background(), "trk1")
	if err != nil || !ok {
		t.Fatalf("GetTrack: ok=%v err=%v", ok, err)
	}
	if track.DownloadStatus != model.Downloaded {
		t.Fatalf("status = %v, want Downloaded", track.DownloadStatus)
	}
	if track.DownloadSizeBytes != int64(len(body)) {
		t.Errorf("download_size_bytes = %d, want %d (fallback to bytes written)", track.DownloadSizeBytes, len(body))
	}
}

// TestDownloadOneCancelledMidStreamRevertsAndCleansUp covers S2: a
// cancellation batch arriving on the broadcast channel mid-stream aborts
// the copy, removes the part file, and reverts the row to NotDownloaded.
func TestDownloadOneCancelledMidStreamRevertsAndCleansUp(t *testing.T) {
	db := openTestDB(t)
	seedQueuedTrack(t, db, "trk1", "alb1")

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 40; i++ {
			if _, err := pw.Write([]byte("x")); err != nil {
				return
			}
			time.Sleep(15 * time.Millisecond)
		}
		pw.Close()
	}()

	fr := &fakeRemote{streamBody: pr, streamContentLength: -1}
	statuses := make(chan model.Status, 16)
	coord := New(db, fr, testGuard(), testConfig(t), "srv1", zerolog.Nop(), statuses, 4)

	track, ok, err := db.GetTrack(context.Background(), "trk1")
	if err != nil || !ok {
		t.Fatalf("GetTrack: ok=%v err=%v", ok, err)
	}

	go func() {
		time.Sleep(250 * time.Millisecond)
		coord.cancelCh <- []string{"trk1"}
	}()

	if err := coord.downloadOne(context.Background(), track); err != nil {
		t.Fatalf("downloadOne: %v", err)
	}

	got, ok, err := db.GetTrack(context.Background(), "trk1")
	if err != nil || !ok {
		t.Fatalf("GetTrack after cancel: ok=%v err=%v", ok, err)
	}
	if got.DownloadStatus != model.NotDownloaded {
		t.Errorf("status after mid-stream cancel = %v, want NotDownloaded", got.DownloadStatus)
	}
	if _, err := os.Stat(coord.partPath()); !os.IsNotExist(err) {
		t.Errorf("expected part file to be removed after cancel, stat err = %v", err)
	}
}

// TestOfflineRepairRevertsMissingFiles covers S3: a Downloaded row whose
// backing file is gone on disk gets reverted and announced.
func TestOfflineRepairRevertsMissingFiles(t *testing.T) {
	db := openTestDB(t)
	seedQueuedTrack(t, db, "trk1", "alb1")
	ctx := context.Background()
	if err := db.SetDownloading(ctx, "trk1"); err != nil {
		t.Fatalf("SetDownloading: %v", err)
	}
	if _, err := db.CompleteDownload(ctx, "trk1", 1234, time.Now().Unix()); err != nil {
		t.Fatalf("CompleteDownload: %v", err)
	}

	statuses := make(chan model.Status, 16)
	fr := &fakeRemote{}
	coord := New(db, fr, testGuard(), testConfig(t), "srv1", zerolog.Nop(), statuses, 4)

	// No file was ever written to disk for trk1, so repair should revert it.
	if err := coord.OfflineRepair(ctx); err != nil {
		t.Fatalf("OfflineRepair: %v", err)
	}

	track, ok, err := db.GetTrack(ctx, "trk1")
	if err != nil || !ok {
		t.Fatalf("GetTrack: ok=%v err=%v", ok, err)
	}
	if track.DownloadStatus != model.NotDownloaded {
		t.Errorf("status after repair = %v, want NotDownloaded", track.DownloadStatus)
	}

	foundDeleted := false
	for _, st := range drainStatuses(statuses) {
		if st.Kind == model.StTrackDeleted && st.ID == "trk1" {
			foundDeleted = true
		}
	}
	if !foundDeleted {
		t.Error("expected a TrackDeleted status for the repaired track")
	}
}

// testConfigDownloadsRoot avoids re-deriving the per-server download root in
// every test.
func testConfigDownloadsRoot(coord *Coordinator) string {
	return coord.cfg.DownloadsRoot(coord.serverID)
}
