package review

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railwatch/internal/logger"
	"railwatch/internal/model"
	"railwatch/internal/repository/sqlite"
)

type fixture struct {
	svc   *Service
	media string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.New(filepath.Join(dir, "faults.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	media := filepath.Join(dir, "media")
	require.NoError(t, os.MkdirAll(media, 0755))

	svc := NewService(sqlite.NewFaultRepository(db), sqlite.NewTaskRepository(db), media, logger.Nop())
	return &fixture{svc: svc, media: media}
}

func (f *fixture) create(t *testing.T, image string, withFile bool) *model.FaultRecord {
	t.Helper()
	if withFile {
		require.NoError(t, os.WriteFile(filepath.Join(f.media, image), []byte(image), 0644))
	}
	rec, err := f.svc.Create(context.Background(), model.NewFault{Image: image, FaultName: "crack"})
	require.NoError(t, err)
	return rec
}

func TestCreate_PendingWithTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := f.create(t, "crack_1.jpg", true)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.False(t, rec.Confirmed)
	assert.NotZero(t, rec.ID)

	tasks, total, err := f.svc.ListTasks(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-"+itoa(rec.ID), tasks[0].TaskID)
	require.NotNil(t, tasks[0].FaultID)
	assert.Equal(t, rec.ID, *tasks[0].FaultID)
}

func TestGet_PurgesMissingImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	present := f.create(t, "a.jpg", true)
	missing := f.create(t, "b.jpg", false)
	unset := f.create(t, "", false)

	got, err := f.svc.Get(ctx, present.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", got.Image)

	for _, id := range []int64{missing.ID, unset.ID, 9999} {
		_, err = f.svc.Get(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
	}

	all, err := f.svc.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "records without images are purged")
	assert.Equal(t, present.ID, all[0].ID)
}

func TestListPending_PagesAndPurges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		f.create(t, name, true)
	}
	f.create(t, "gone.jpg", false)

	page, total, err := f.svc.ListPending(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 3)
	for _, rec := range page {
		assert.NotEqual(t, "gone.jpg", rec.Image)
	}

	page, _, err = f.svc.ListPending(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestScanPending_OrderedByID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.create(t, "a.jpg", true)
	f.create(t, "b.jpg", false)
	c := f.create(t, "c.jpg", true)

	recs, err := f.svc.ScanPending(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, a.ID, recs[0].ID)
	assert.Equal(t, c.ID, recs[1].ID)
}

func TestAssignAndFeedback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.create(t, "a.jpg", true)

	got, err := f.svc.Assign(ctx, rec.ID, "  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultAssignee, got.AssignedTo)
	assert.Equal(t, model.StatusAssigned, got.Status)

	_, err = f.svc.Feedback(ctx, rec.ID, "   ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	got, err = f.svc.Feedback(ctx, rec.ID, "Replaced rail clip")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, got.Status)

	_, err = f.svc.Assign(ctx, 4242, "Bob")
	assert.ErrorIs(t, err, model.ErrNotFound)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)

	tasks, total, err := f.svc.ListTasks(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.True(t, strings.HasPrefix(tasks[0].TaskID, "task-"+itoa(rec.ID)+"-feedback-"))
	assert.Equal(t, "Replaced rail clip", tasks[0].Result)
}

func TestMarkNeedsFeedbackAndSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.create(t, "a.jpg", true)

	require.NoError(t, f.svc.MarkNeedsFeedback(ctx, rec.ID))
	require.NoError(t, f.svc.MarkSent(ctx, rec.ID, "email"))

	got, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsFeedback, got.Status)
	assert.True(t, got.SentToService)
}

func TestDeleteBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.create(t, "a.jpg", true)
	b := f.create(t, "b.jpg", true)

	require.NoError(t, f.svc.DeleteBatch(ctx, []int64{a.ID, b.ID}))

	recs, err := f.svc.ScanPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// task entries outlive their faults
	_, total, err := f.svc.ListTasks(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestDisplayName(t *testing.T) {
	classes := []string{"crack", "Missing_Bolt"}
	tests := []struct {
		image string
		want  string
	}{
		{"faults/crack_20240101_120000.jpg", "crack"},
		{"missing_bolt_20240101.jpg", "Missing_Bolt"},
		{"2024_spalling_01.jpg", "spalling"},
		{"20240101_120000.jpg", "Unknown"},
		{"spalling_20240101_120000.123.jpg", "spalling"},
		{"", "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.image, classes))
		})
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
