package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/dataset"
	"github.com/raphaelgruber/scrapedeck/internal/models"
	"github.com/raphaelgruber/scrapedeck/internal/pipeline"
	"github.com/raphaelgruber/scrapedeck/internal/service"
	"github.com/raphaelgruber/scrapedeck/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUploader struct {
	batches []client.Batch
	err     error
}

func (u *recordingUploader) UploadBatch(_ context.Context, b client.Batch) error {
	u.batches = append(u.batches, b)
	return u.err
}

type sessionFixture struct {
	session  *service.Session
	store    *staging.Store
	uploader *recordingUploader
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	store, err := staging.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "http://api.test/api/products/t1",
		httpmock.NewStringResponder(http.StatusOK, `{
			"success": true,
			"products": [
				{"product_name": "Kurta", "price": 1200, "categories": ["Kurtas"]},
				{"product_name": "Saree", "price": 3000}
			],
			"metadata": {"pages": 2},
			"is_fixed_version": true,
			"loaded_file": "t1_fixed.json"
		}`))
	api := client.New("http://api.test", client.WithHTTPClient(&http.Client{Transport: transport}))

	uploader := &recordingUploader{}
	p := &pipeline.Pipeline{
		Lookup: pipeline.LookupFunc(func(context.Context, string) (float64, error) {
			return 0.4, nil
		}),
		Uploader: uploader,
		Stager:   store,
	}

	return &sessionFixture{
		session:  service.NewSession(store, api, p, nil),
		store:    store,
		uploader: uploader,
	}
}

func TestSessionLoadTask(t *testing.T) {
	f := newSessionFixture(t)

	res, err := f.session.LoadTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, res.IsFixedVersion)
	assert.Equal(t, "t1", f.session.TaskID())

	ed := f.session.Editor()
	assert.Equal(t, 2, ed.Len())
	assert.Empty(t, ed.Dirty())
}

func TestSessionLoadTaskNotFound(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.session.LoadTask(context.Background(), "missing")
	require.Error(t, err)
	assert.Zero(t, f.session.Editor().Len())
}

func TestSessionSaveIsIdempotent(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.session.LoadTask(context.Background(), "t1")
	require.NoError(t, err)

	ed := f.session.Editor()
	require.NoError(t, ed.SetName(1, "  Silk Saree "))
	require.NotEmpty(t, ed.Dirty())

	wrote, err := f.session.Save()
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Empty(t, ed.Dirty())

	wrote, err = f.session.Save()
	require.NoError(t, err)
	assert.False(t, wrote, "second save without changes writes nothing")

	snap, err := f.store.LoadRecords()
	require.NoError(t, err)
	assert.Equal(t, "t1", snap.TaskID)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "Silk Saree", snap.Records[1].Name)
	assert.Equal(t, models.ExtractionManualEdit, snap.Records[1].ExtractionMethod)
}

func TestSessionSaveAfterDelete(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.session.LoadTask(context.Background(), "t1")
	require.NoError(t, err)

	_, err = f.session.Save()
	require.NoError(t, err)

	require.NoError(t, f.session.Editor().Delete(0))
	assert.True(t, f.session.Pending(), "structural changes count as pending")

	wrote, err := f.session.Save()
	require.NoError(t, err)
	assert.True(t, wrote)

	snap, err := f.store.LoadRecords()
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "Saree", snap.Records[0].Name)
}

func TestSessionResume(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.session.LoadStaged()
	assert.ErrorIs(t, err, service.ErrNothingStaged)

	require.NoError(t, f.store.SaveRecords("t7", []models.Record{{Name: "Dupatta", Colors: []string{"Blue"}}}))

	snap, err := f.session.LoadStaged()
	require.NoError(t, err)
	assert.Equal(t, "t7", snap.TaskID)
	assert.Equal(t, "t7", f.session.TaskID())

	values, err := f.session.Editor().Values(dataset.FieldColors, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Blue"}, values)
}

func TestSessionUpload(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.session.LoadTask(context.Background(), "t1")
	require.NoError(t, err)

	report, err := f.session.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Equal(t, 1, report.Enrich.Enriched)
	assert.Equal(t, 1, report.Enrich.NoCategory)

	require.Len(t, f.uploader.batches, 1)
	batch := f.uploader.batches[0]
	assert.Equal(t, pipeline.UploadType, batch.Metadata.UploadType)
	assert.Equal(t, 2, batch.Metadata.TotalProducts)
	assert.InDelta(t, 0.4, batch.Records[0].Weight, 1e-9)

	_, err = f.store.LoadRecords()
	assert.ErrorIs(t, err, staging.ErrNotFound, "successful upload clears staging")
}

func TestSessionUploadFailureKeepsStaging(t *testing.T) {
	f := newSessionFixture(t)
	f.uploader.err = errors.New("storage down")
	_, err := f.session.LoadTask(context.Background(), "t1")
	require.NoError(t, err)

	_, err = f.session.Upload(context.Background())
	require.Error(t, err)

	snap, err := f.store.LoadRecords()
	require.NoError(t, err)
	assert.Len(t, snap.Records, 2)
}

func TestSessionDiscard(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.session.LoadTask(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, f.session.Editor().SetPrice(0, "99"))
	_, err = f.session.Save()
	require.NoError(t, err)

	require.NoError(t, f.session.Discard())
	rec, err := f.session.Editor().Record(0)
	require.NoError(t, err)
	assert.InDelta(t, 1200, rec.Price, 1e-9)

	_, err = f.store.LoadRecords()
	assert.ErrorIs(t, err, staging.ErrNotFound)

	assert.False(t, f.session.Pending())
	wrote, err := f.session.Save()
	require.NoError(t, err)
	assert.False(t, wrote, "a discarded dataset is not written back")
	_, err = f.store.LoadRecords()
	assert.ErrorIs(t, err, staging.ErrNotFound)
}
