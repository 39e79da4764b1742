package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railwatch/internal/logger"
	"railwatch/internal/model"
	"railwatch/internal/repository/sqlite"
	"railwatch/internal/service/curation"
	"railwatch/internal/service/dataset"
	"railwatch/internal/service/phash"
	"railwatch/internal/service/review"
	"railwatch/internal/service/training"
)

type fakeResolver struct {
	result curation.Result
	err    error
	calls  []model.Decision
}

func (f *fakeResolver) Resolve(_ context.Context, _ int64, decision model.Decision) (curation.Result, error) {
	f.calls = append(f.calls, decision)
	return f.result, f.err
}

type fakeTrainer struct {
	started  bool
	err      error
	notified int
	status   training.Status
}

func (f *fakeTrainer) Start(context.Context) (bool, error) { return f.started, f.err }
func (f *fakeTrainer) Status() training.Status             { return f.status }
func (f *fakeTrainer) Notify(context.Context) bool {
	f.notified++
	return f.started
}

type fakeDetector struct {
	running  bool
	err      error
	videoDir string
	started  []string
}

func (f *fakeDetector) Start(_ context.Context, path string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, path)
	if path == "" {
		path = filepath.Join(f.videoDir, "newest.mp4")
	}
	return path, nil
}

func (f *fakeDetector) Running() (bool, string) { return f.running, "track.mp4" }
func (f *fakeDetector) VideoDir() string        { return f.videoDir }

type fixture struct {
	mux         *http.ServeMux
	reviews     *review.Service
	data        *dataset.Store
	annotations *sqlite.AnnotationRepository
	resolver    *fakeResolver
	trainer     *fakeTrainer
	detector    *fakeDetector
	media       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.Nop()

	db, err := sqlite.New(filepath.Join(dir, "faults.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	media := filepath.Join(dir, "media")
	require.NoError(t, os.MkdirAll(media, 0755))
	data, err := dataset.New(filepath.Join(dir, "dataset"), log)
	require.NoError(t, err)

	f := &fixture{
		mux:         http.NewServeMux(),
		reviews:     review.NewService(sqlite.NewFaultRepository(db), sqlite.NewTaskRepository(db), media, log),
		data:        data,
		annotations: sqlite.NewAnnotationRepository(db),
		resolver:    &fakeResolver{},
		trainer:     &fakeTrainer{},
		detector:    &fakeDetector{videoDir: filepath.Join(dir, "videos")},
		media:       media,
	}

	f.mux.HandleFunc("POST /api/faults/{id}/confirm", ConfirmHandler(f.resolver, log))
	f.mux.HandleFunc("POST /api/faults/{id}/assign", AssignHandler(f.reviews, log))
	f.mux.HandleFunc("POST /api/faults/{id}/feedback", FeedbackHandler(f.reviews, log))
	f.mux.HandleFunc("GET /api/faults", ListFaultsHandler(f.reviews, f.data, log))
	f.mux.HandleFunc("GET /api/faults/all", ListAllFaultsHandler(f.reviews, f.data, log))
	f.mux.HandleFunc("GET /api/tasks", ListTasksHandler(f.reviews, log))
	f.mux.HandleFunc("GET /api/annotate", AnnotateHandler(f.data, f.annotations, log))
	f.mux.HandleFunc("POST /api/annotate/save", SaveLabelsHandler(f.data, f.annotations, f.trainer, log))
	f.mux.HandleFunc("GET /api/annotations/pending", PendingAnnotationsHandler(f.annotations, log))
	f.mux.HandleFunc("GET /api/classes", ClassesHandler(f.data, log))
	f.mux.HandleFunc("POST /api/classes", AddClassHandler(f.data, log))
	f.mux.HandleFunc("POST /api/detect", DetectHandler(f.detector, log))
	f.mux.HandleFunc("POST /api/train", TrainHandler(f.trainer, log))
	f.mux.HandleFunc("GET /api/train/status", TrainStatusHandler(f.trainer, log))
	f.mux.HandleFunc("GET /media/{name}", MediaHandler(media))
	f.mux.HandleFunc("GET /dataset/images/{name}", DatasetImageHandler(f.data))
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) fault(t *testing.T, image string) *model.FaultRecord {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.media, image), []byte(image), 0644))
	rec, err := f.reviews.Create(context.Background(), model.NewFault{Image: image, FaultName: "crack"})
	require.NoError(t, err)
	return rec
}

// trainingImage places an accepted image in the dataset.
func (f *fixture) trainingImage(t *testing.T, name string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(src, []byte("img"), 0644))
	_, err := f.data.Materialize(src, model.Accept)
	require.NoError(t, err)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestConfirmHandler(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       interface{}
		result     curation.Result
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "invalid action",
			path:       "/api/faults/1/confirm",
			body:       map[string]string{"action": "maybe"},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid action",
		},
		{
			name:       "bad id",
			path:       "/api/faults/abc/confirm",
			body:       map[string]string{"action": "yes"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			path:       "/api/faults/1/confirm",
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing target",
			path:       "/api/faults/1/confirm",
			body:       map[string]string{"action": "yes"},
			err:        fmt.Errorf("fault 1: %w", model.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantError:  "target image not found",
		},
		{
			name:       "no duplicates",
			path:       "/api/faults/1/confirm",
			body:       map[string]string{"action": "no"},
			err:        model.ErrNoDuplicates,
			wantStatus: http.StatusNotFound,
			wantError:  "no visually similar images found",
		},
		{
			name:       "hash failure",
			path:       "/api/faults/1/confirm",
			body:       map[string]string{"action": "yes"},
			err:        fmt.Errorf("fingerprint target: %w", phash.ErrHash),
			wantStatus: http.StatusInternalServerError,
			wantError:  "hash error",
		},
		{
			name:       "store failure",
			path:       "/api/faults/1/confirm",
			body:       map[string]string{"action": "yes"},
			err:        errors.New("database is locked"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.resolver.result, f.resolver.err = tt.result, tt.err

			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decode(t, rec)["error"])
			}
		})
	}
}

func TestConfirmHandler_Accept(t *testing.T) {
	f := newFixture(t)
	f.resolver.result = curation.Result{
		Decision:  model.Accept,
		TargetID:  1,
		Count:     3,
		CopiedIDs: []int64{1, 2},
		Failed:    []int64{3},
		BatchID:   "batch-1",
		Redirect:  curation.AnnotateRedirect,
	}

	rec := f.do(t, http.MethodPost, "/api/faults/1/confirm", map[string]string{"action": "yes"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "2 duplicate images copied, deleted, and ready for annotation.", body["message"])
	assert.Equal(t, float64(3), body["count"])
	assert.Equal(t, []interface{}{float64(1), float64(2)}, body["copied_ids"])
	assert.Equal(t, []interface{}{float64(3)}, body["failed_ids"])
	assert.Equal(t, "batch-1", body["batch_id"])
	assert.Equal(t, "/annotate/?idx=0", body["redirect"])
	assert.Equal(t, []model.Decision{model.Accept}, f.resolver.calls)
}

func TestConfirmHandler_RejectOmitsRedirect(t *testing.T) {
	f := newFixture(t)
	f.resolver.result = curation.Result{Decision: model.Reject, Count: 1, CopiedIDs: []int64{4}}

	rec := f.do(t, http.MethodPost, "/api/faults/4/confirm", map[string]string{"action": "no"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Contains(t, body["message"], "blank labels")
	assert.Equal(t, []interface{}{}, body["failed_ids"])
	assert.NotContains(t, body, "redirect")
	assert.NotContains(t, body, "batch_id")
}

func TestConfirmHandler_AcceptWithoutAnnotationQueue(t *testing.T) {
	f := newFixture(t)
	f.resolver.result = curation.Result{
		Decision:  model.Accept,
		Count:     2,
		CopiedIDs: []int64{1, 2},
		Warning:   "2 images were added to the dataset but could not be queued for annotation",
	}

	rec := f.do(t, http.MethodPost, "/api/faults/1/confirm", map[string]string{"action": "yes"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, f.resolver.result.Warning, body["warning"])
	assert.NotContains(t, body, "redirect")
	assert.NotContains(t, body, "batch_id")
}

func TestListFaultsHandler(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.data.AddClass("crack")
	require.NoError(t, err)

	f.fault(t, "crack_20240101_120000.jpg")
	f.fault(t, "spalling_20240101_120001.jpg")
	gone, err := f.reviews.Create(context.Background(), model.NewFault{Image: "gone.jpg"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/faults?page=1&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	faults := body["faults"].([]interface{})
	require.Len(t, faults, 2)
	assert.Equal(t, float64(2), body["length"])

	newest := faults[0].(map[string]interface{})
	assert.Equal(t, "spalling", newest["display_name"])
	assert.Equal(t, "/media/spalling_20240101_120001.jpg", newest["image_url"])
	assert.Equal(t, "crack", faults[1].(map[string]interface{})["display_name"])

	_, err = f.reviews.Lookup(context.Background(), gone.ID)
	assert.ErrorIs(t, err, model.ErrNotFound, "records with missing images are purged")

	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(2), stats["pending_count"])
}

func TestAssignAndFeedback(t *testing.T) {
	f := newFixture(t)
	fault := f.fault(t, "a.jpg")
	base := fmt.Sprintf("/api/faults/%d", fault.ID)

	rec := f.do(t, http.MethodPost, base+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, fmt.Sprintf("Fault %d assigned to Engineer", fault.ID), decode(t, rec)["message"])

	rec = f.do(t, http.MethodPost, base+"/assign", map[string]string{"assigned_to": "Asha"})
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := f.reviews.Lookup(context.Background(), fault.ID)
	require.NoError(t, err)
	assert.Equal(t, "Asha", got.AssignedTo)
	assert.Equal(t, model.StatusAssigned, got.Status)

	rec = f.do(t, http.MethodPost, base+"/feedback", map[string]string{"feedback": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/feedback", map[string]string{"feedback": "bolt replaced"})
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = f.reviews.Lookup(context.Background(), fault.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, got.Status)

	rec = f.do(t, http.MethodPost, "/api/faults/9999/assign", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/tasks?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode(t, rec)
	assert.Len(t, tasks["tasks"], 2)
	assert.Equal(t, float64(4), tasks["length"])
	assert.Equal(t, float64(2), tasks["totalPages"])
}

func TestAnnotateHandler(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/annotate?idx=0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, _, err := f.data.AddClass("crack")
	require.NoError(t, err)
	f.trainingImage(t, "a.jpg")
	f.trainingImage(t, "b.jpg")

	proposal := model.Box{Class: 0, XCenter: 0.5, YCenter: 0.5, Width: 0.2, Height: 0.2}
	require.NoError(t, f.annotations.InsertBatch(context.Background(), []model.AnnotationItem{
		{BatchID: "batch-1", ImageName: "b.jpg", Proposals: []model.Box{proposal}, CreatedAt: time.Now()},
	}))

	rec = f.do(t, http.MethodGet, "/api/annotate?idx=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "b.jpg", body["image_name"], "idx is clamped to the last image")
	assert.Equal(t, float64(1), body["idx"])
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, "/dataset/images/b.jpg", body["image_url"])
	assert.Equal(t, []interface{}{"crack"}, body["classes"])
	assert.Len(t, body["existing_boxes"], 1, "pending proposals prefill an empty label")

	rec = f.do(t, http.MethodGet, "/api/annotate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, decode(t, rec)["existing_boxes"])
}

func TestSaveLabelsHandler(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.data.AddClass("crack")
	require.NoError(t, err)
	f.trainingImage(t, "a.jpg")
	require.NoError(t, f.annotations.InsertBatch(context.Background(), []model.AnnotationItem{
		{BatchID: "batch-1", ImageName: "a.jpg", CreatedAt: time.Now()},
	}))
	f.trainer.started = true

	box := model.Box{Class: 0, XCenter: 0.5, YCenter: 0.5, Width: 0.25, Height: 0.25}
	rec := f.do(t, http.MethodPost, "/api/annotate/save", map[string]interface{}{
		"image_name": "a.jpg",
		"boxes":      []model.Box{box},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["training_started"])
	assert.Equal(t, 1, f.trainer.notified)

	labels, err := f.data.Labels("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []model.Box{box}, labels)

	rec = f.do(t, http.MethodGet, "/api/annotations/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"unknown class", map[string]interface{}{"image_name": "a.jpg", "boxes": []model.Box{{Class: 3, Width: 0.1, Height: 0.1}}}, http.StatusBadRequest},
		{"out of range coordinate", map[string]interface{}{"image_name": "a.jpg", "boxes": []model.Box{{Class: 0, XCenter: 1.5}}}, http.StatusBadRequest},
		{"missing image", map[string]interface{}{"image_name": "zzz.jpg", "boxes": []model.Box{}}, http.StatusNotFound},
		{"path traversal", map[string]interface{}{"image_name": "../x.jpg", "boxes": []model.Box{}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/annotate/save", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 1, f.trainer.notified, "rejected saves do not trigger training")
}

func TestClassesHandlers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/classes", map[string]string{"class_name": "crack"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "added", decode(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/api/classes", map[string]string{"class_name": "crack"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exists", decode(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/api/classes", map[string]string{"class_name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/classes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"crack"}, decode(t, rec)["classes"])

	descriptor, err := os.ReadFile(f.data.DescriptorPath())
	require.NoError(t, err)
	assert.Contains(t, string(descriptor), "crack")
}

func multipartVideo(t *testing.T, filename string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("video_file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("not really a video"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestDetectHandler(t *testing.T) {
	t.Run("uses newest video without upload", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/api/detect", nil)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, []string{""}, f.detector.started)
		assert.Equal(t, "newest.mp4", decode(t, rec)["source"])
	})

	t.Run("stores uploaded video", func(t *testing.T) {
		f := newFixture(t)
		body, contentType := multipartVideo(t, "track.mp4")
		req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.Len(t, f.detector.started, 1)
		saved := f.detector.started[0]
		assert.Equal(t, f.detector.videoDir, filepath.Dir(saved))
		assert.True(t, strings.HasSuffix(saved, "_track.mp4"))
		data, err := os.ReadFile(saved)
		require.NoError(t, err)
		assert.Equal(t, "not really a video", string(data))
	})

	t.Run("rejects other file types", func(t *testing.T) {
		f := newFixture(t)
		body, contentType := multipartVideo(t, "notes.txt")
		req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.detector.started)
	})

	t.Run("conflict while running", func(t *testing.T) {
		f := newFixture(t)
		f.detector.running = true
		rec := f.do(t, http.MethodPost, "/api/detect", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Empty(t, f.detector.started)
	})

	t.Run("no model loaded", func(t *testing.T) {
		f := newFixture(t)
		f.detector.err = fmt.Errorf("%w: no model loaded", model.ErrNotFound)
		rec := f.do(t, http.MethodPost, "/api/detect", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTrainHandlers(t *testing.T) {
	f := newFixture(t)

	f.trainer.started = true
	rec := f.do(t, http.MethodPost, "/api/train", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.trainer.started = false
	rec = f.do(t, http.MethodPost, "/api/train", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.trainer.err = fmt.Errorf("%w: the dataset has no labels", model.ErrInvalidInput)
	rec = f.do(t, http.MethodPost, "/api/train", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.trainer.status = training.Status{State: training.Training, Model: "best.onnx"}
	rec = f.do(t, http.MethodGet, "/api/train/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "training", body["state"])
	assert.Equal(t, "best.onnx", body["model"])
}

func TestImageHandlers(t *testing.T) {
	f := newFixture(t)
	f.fault(t, "crack_1.jpg")
	f.trainingImage(t, "train_1.jpg")

	rec := f.do(t, http.MethodGet, "/media/crack_1.jpg", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "crack_1.jpg", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/dataset/images/train_1.jpg", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "img", rec.Body.String())

	for _, target := range []string{"/media/missing.jpg", "/media/a%5Cb.jpg", "/dataset/images/missing.jpg"} {
		rec = f.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}
