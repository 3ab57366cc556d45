package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *RunStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRunStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return mock, store
}

func TestNewRunStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewRunStoreWithPool(nil, "", "")
	require.Error(t, err)
}

func TestRecordRunUpserts(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Hour)
	run := crawler.CrawlRun{
		ID:             "20231114T221320Z-1a2b3c4d",
		StartedAt:      started,
		FinishedAt:     &finished,
		Filter:         crawler.RunFilter{Group: "public"},
		Status:         crawler.RunCompleted,
		RetailersCount: 4,
		ManifestURI:    "gs://prices/manifests/20231114T221320Z-1a2b3c4d.json",
	}

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(run.ID, started, &finished, "public", "", false, "completed", 4, run.ManifestURI, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunRequiresID(t *testing.T) {
	t.Parallel()

	_, store := newMockStore(t)
	require.Error(t, store.RecordRun(context.Background(), crawler.CrawlRun{}))
}

func TestRecordRetailerInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	result := crawler.RetailerResult{
		RetailerID:   "rami-levy",
		RetailerName: "Rami Levy",
		Platform:     crawler.PlatformCredentialed,
		Status:       crawler.RetailerSkipped,
		Reason:       crawler.ReasonMissingCredentials,
	}

	mock.ExpectExec("INSERT INTO crawl_retailer_results").
		WithArgs("run-1", "rami-levy", "Rami Levy", "credentialed", "", "skipped", "missing_credentials",
			0, 0, 0, 0, []byte("[]"), []byte("[]"), (*time.Time)(nil), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRetailer(context.Background(), "run-1", result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRetailerWrapsExecErrors(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("INSERT INTO crawl_retailer_results").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := store.RecordRetailer(context.Background(), "run-1", crawler.RetailerResult{RetailerID: "a"})
	require.ErrorContains(t, err, "insert retailer result")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_retailer_results").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
