package verification

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func verifierConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Verification.ProbeAttempts = 1
	cfg.Verification.IoUConfirm = 0.5
	cfg.Verification.PresenceMin = 2
	return cfg
}

func newVerifier(t *testing.T, cfg *config.Config, frameURL, bboxURL, detectURL string) (*sql.DB, sqlmock.Sqlmock, *Verifier) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	frameClient := NewFrameProviderClient(frameURL, 5*time.Second,
		cfg.Verification.ProbeAttempts, 0, logger)
	bboxClient := NewBBoxExtractorClient(bboxURL, 5*time.Second, logger)
	detectorClient := NewObjectDetectorClient(detectURL, 5*time.Second, logger)

	verifier := NewVerifier(cfg, frameClient, bboxClient, detectorClient,
		repository.NewVerdictsRepository(db, logger),
		repository.NewDetectionsRepository(db, logger),
		logger,
	)
	return db, mock, verifier
}

// frameServer 返回固定帧列表的抽帧服务桩
func frameServer(frames []SampledFrame) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/frames/probe", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/frames/sample", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(frameResponse{Code: 0, Frames: frames})
	})
	return httptest.NewServer(mux)
}

func bboxServer(box models.BBox) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(bboxResponse{
			Code: 0, X1: box.X1, Y1: box.Y1, X2: box.X2, Y2: box.Y2,
		})
	}))
}

// detectorServer 按帧地址返回检测结果
func detectorServer(byFrame map[string][]Detection) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			FrameURL string `json:"frameUrl"`
		}
		_ = json.NewDecoder(r.Body).Decode(&request)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(detectResponse{
			Code:       0,
			Detections: byFrame[request.FrameURL],
		})
	}))
}

func TestVerify_MissingVideoPathFallsBack(t *testing.T) {
	db, mock, verifier := newVerifier(t, verifierConfig(), "http://unused", "http://unused", "http://unused")
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alarm_verdicts`).WillReturnResult(sqlmock.NewResult(0, 1))

	alarm := &models.AlarmEvent{AlarmID: "a-1", Category: models.CategoryVehicleStopped}
	verdict, err := verifier.Verify(context.Background(), alarm)

	require.NoError(t, err)
	assert.Equal(t, models.CheckUnknown, verdict.CheckFlag)
	assert.Equal(t, SourceFallback, verdict.Source)
	assert.Contains(t, verdict.Reason, "missing video path")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_ProbeRetriesExhausted(t *testing.T) {
	var probeCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&probeCalls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := verifierConfig()
	cfg.Verification.ProbeAttempts = 3

	db, mock, verifier := newVerifier(t, cfg, server.URL, "http://unused", "http://unused")
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alarm_verdicts`).WillReturnResult(sqlmock.NewResult(0, 1))

	alarm := &models.AlarmEvent{
		AlarmID:   "a-1",
		Category:  models.CategoryVehicleStopped,
		VideoPath: "/videos/a-1.mp4",
	}
	verdict, err := verifier.Verify(context.Background(), alarm)

	require.NoError(t, err)
	assert.Equal(t, models.CheckUnknown, verdict.CheckFlag)
	assert.Contains(t, verdict.Reason, "video unreachable")
	assert.Equal(t, int32(3), atomic.LoadInt32(&probeCalls))
}

func TestVerify_StoppedVehicleConfirmedByIoUVote(t *testing.T) {
	frames := []SampledFrame{
		{Seq: 1, URL: "f1"},
		{Seq: 2, URL: "f2"},
		{Seq: 3, URL: "f3"},
	}
	reference := models.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	overlapping := Detection{
		Label: "car", Type: "vehicle", Score: 0.9,
		Box: models.BBox{X1: 1, Y1: 1, X2: 10, Y2: 10},
	}

	fs := frameServer(frames)
	defer fs.Close()
	bs := bboxServer(reference)
	defer bs.Close()
	ds := detectorServer(map[string][]Detection{
		"f1": {overlapping},
		"f2": {overlapping},
		"f3": {},
	})
	defer ds.Close()

	db, mock, verifier := newVerifier(t, verifierConfig(), fs.URL, bs.URL, ds.URL)
	defer db.Close()

	// 两帧各一条命中
	mock.ExpectExec(`INSERT INTO alarm_detections`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO alarm_detections`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`INSERT INTO alarm_verdicts`).WillReturnResult(sqlmock.NewResult(0, 1))

	alarm := &models.AlarmEvent{
		AlarmID:   "a-1",
		Category:  models.CategoryVehicleStopped,
		VideoPath: "/videos/a-1.mp4",
		ImagePath: "/images/a-1.jpg",
	}
	verdict, err := verifier.Verify(context.Background(), alarm)

	require.NoError(t, err)
	assert.Equal(t, models.CheckConfirmed, verdict.CheckFlag)
	assert.Equal(t, "car", verdict.MatchedLabel)
	assert.Equal(t, SourceIoUVote, verdict.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_StoppedVehicleRejectedWithoutOverlap(t *testing.T) {
	frames := []SampledFrame{
		{Seq: 1, URL: "f1"},
		{Seq: 2, URL: "f2"},
	}
	reference := models.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	farAway := Detection{
		Label: "car", Type: "vehicle", Score: 0.9,
		Box: models.BBox{X1: 100, Y1: 100, X2: 110, Y2: 110},
	}

	fs := frameServer(frames)
	defer fs.Close()
	bs := bboxServer(reference)
	defer bs.Close()
	ds := detectorServer(map[string][]Detection{
		"f1": {farAway},
		"f2": {farAway},
	})
	defer ds.Close()

	db, mock, verifier := newVerifier(t, verifierConfig(), fs.URL, bs.URL, ds.URL)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alarm_detections`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO alarm_detections`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`INSERT INTO alarm_verdicts`).WillReturnResult(sqlmock.NewResult(0, 1))

	alarm := &models.AlarmEvent{
		AlarmID:   "a-1",
		Category:  models.CategoryVehicleStopped,
		VideoPath: "/videos/a-1.mp4",
		ImagePath: "/images/a-1.jpg",
	}
	verdict, err := verifier.Verify(context.Background(), alarm)

	require.NoError(t, err)
	assert.Equal(t, models.CheckRejected, verdict.CheckFlag)
	assert.Contains(t, verdict.Reason, "iou vote failed")
}

func TestVerify_PedestrianConfirmedByPresenceCount(t *testing.T) {
	frames := []SampledFrame{
		{Seq: 1, URL: "f1"},
		{Seq: 2, URL: "f2"},
		{Seq: 3, URL: "f3"},
	}
	person := Detection{
		Label: "person", Type: "person", Score: 0.8,
		Box: models.BBox{X1: 0, Y1: 0, X2: 2, Y2: 5},
	}

	fs := frameServer(frames)
	defer fs.Close()
	// 基准框服务不可用：非 IoU 投票类别继续核验
	bs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bs.Close()
	ds := detectorServer(map[string][]Detection{
		"f1": {person},
		"f2": {person},
		"f3": {},
	})
	defer ds.Close()

	db, mock, verifier := newVerifier(t, verifierConfig(), fs.URL, bs.URL, ds.URL)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alarm_detections`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO alarm_detections`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`INSERT INTO alarm_verdicts`).WillReturnResult(sqlmock.NewResult(0, 1))

	alarm := &models.AlarmEvent{
		AlarmID:   "a-1",
		Category:  models.CategoryPedestrian,
		VideoPath: "/videos/a-1.mp4",
		ImagePath: "/images/a-1.jpg",
	}
	verdict, err := verifier.Verify(context.Background(), alarm)

	require.NoError(t, err)
	assert.Equal(t, models.CheckConfirmed, verdict.CheckFlag)
	assert.Equal(t, "person", verdict.MatchedLabel)
	assert.Equal(t, SourcePresenceCount, verdict.Source)
}

func TestVerify_PedestrianRejectedWithoutDetections(t *testing.T) {
	frames := []SampledFrame{
		{Seq: 1, URL: "f1"},
		{Seq: 2, URL: "f2"},
	}

	fs := frameServer(frames)
	defer fs.Close()
	bs := bboxServer(models.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10})
	defer bs.Close()
	// 零检测是有效结果
	ds := detectorServer(map[string][]Detection{})
	defer ds.Close()

	db, mock, verifier := newVerifier(t, verifierConfig(), fs.URL, bs.URL, ds.URL)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alarm_verdicts`).WillReturnResult(sqlmock.NewResult(0, 1))

	alarm := &models.AlarmEvent{
		AlarmID:   "a-1",
		Category:  models.CategoryPedestrian,
		VideoPath: "/videos/a-1.mp4",
		ImagePath: "/images/a-1.jpg",
	}
	verdict, err := verifier.Verify(context.Background(), alarm)

	require.NoError(t, err)
	assert.Equal(t, models.CheckRejected, verdict.CheckFlag)
	assert.Contains(t, verdict.Reason, "presence count failed")
}
