package cloudsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/database"
	"go-pos-core/internal/models"
	"go-pos-core/internal/syncproto"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeCloud struct {
	mu       sync.Mutex
	fail     bool
	reject   map[string]bool // sale ids answered with 422
	batches  [][]syncproto.Sale
	paths    []string
	syncKeys []string
}

func (f *fakeCloud) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.URL.Path)
	f.syncKeys = append(f.syncKeys, r.Header.Get(syncproto.HeaderSyncKey))
	if f.fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(syncproto.Response{Error: "down"})
		return
	}
	if r.URL.Path == syncproto.PathSales {
		var req syncproto.SalesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, sale := range req.Sales {
			if f.reject[sale.ID] {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(syncproto.Response{Error: "duplicated key not allowed"})
				return
			}
		}
		f.batches = append(f.batches, req.Sales)
	}
	_ = json.NewEncoder(w).Encode(syncproto.Response{Success: true})
}

func (f *fakeCloud) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeCloud) setReject(ids ...string) {
	f.mu.Lock()
	f.reject = map[string]bool{}
	for _, id := range ids {
		f.reject[id] = true
	}
	f.mu.Unlock()
}

func (f *fakeCloud) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.OpenAndMigrate(filepath.Join(t.TempDir(), "pos.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.DB().Create(&models.User{Username: "cashier", Role: models.RoleCashier, IsActive: true}).Error)
	return store
}

func enqueueSales(t *testing.T, o *Outbox, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sale := models.Sale{
			BillNo:     int64(i + 1),
			UserID:     1,
			GrandTotal: decimal.NewFromInt(100),
			Status:     models.SaleStatusCompleted,
		}
		err := o.Store.DB().Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&sale).Error; err != nil {
				return err
			}
			return o.EnqueueTx(tx, models.SyncActionCreate, &sale)
		})
		require.NoError(t, err)
		ids = append(ids, sale.ID)
	}
	return ids
}

func newOutbox(t *testing.T, cloud *fakeCloud) *Outbox {
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(cloud.handler))
	t.Cleanup(srv.Close)
	require.NoError(t, database.PutSetting(store.DB(), database.SettingCloudURL, srv.URL))
	return &Outbox{Store: store, Client: NewClient("secret", "POS-TEST")}
}

func TestDrainSendsOldestBatchAndDeletesIt(t *testing.T) {
	cloud := &fakeCloud{}
	o := newOutbox(t, cloud)
	ids := enqueueSales(t, o, 12)

	res, err := o.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Sent)
	assert.Equal(t, 2, res.Remaining)

	require.Len(t, cloud.batches, 1)
	require.Len(t, cloud.batches[0], 10)
	assert.Equal(t, ids[0], cloud.batches[0][0].ID)
	assert.Equal(t, ids[9], cloud.batches[0][9].ID)
	require.NotNil(t, cloud.batches[0][0].User)
	assert.Equal(t, "cashier", cloud.batches[0][0].User.Username)
	assert.Equal(t, "secret", cloud.syncKeys[0])

	pending, err := o.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	res, err = o.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, ids[10], cloud.batches[1][0].ID)
}

func TestDrainFailureKeepsRowsPending(t *testing.T) {
	cloud := &fakeCloud{fail: true}
	o := newOutbox(t, cloud)
	enqueueSales(t, o, 3)

	_, err := o.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))

	pending, err := o.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	cloud.setFail(false)
	sent, err := o.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	pending, err = o.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDrainSkipsWithoutCloudURL(t *testing.T) {
	store := newTestStore(t)
	o := &Outbox{Store: store, Client: NewClient("", "")}
	enqueueSales(t, o, 1)

	res, err := o.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	pending, err := o.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestDrainSkipsWhileAnotherDrainRuns(t *testing.T) {
	cloud := &fakeCloud{}
	o := newOutbox(t, cloud)
	enqueueSales(t, o, 1)

	o.draining.Store(true)
	res, err := o.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, cloud.batches)
}

func TestDrainDiscardsCorruptRows(t *testing.T) {
	cloud := &fakeCloud{}
	o := newOutbox(t, cloud)
	enqueueSales(t, o, 1)
	require.NoError(t, o.Store.DB().Create(&models.SyncQueueEntry{
		Action:  models.SyncActionCreate,
		Model:   models.SyncModelSale,
		Payload: "{not json",
		Status:  models.SyncStatusPending,
	}).Error)

	res, err := o.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 0, res.Remaining)
}

func TestRolledBackSaleLeavesNoOutboxRow(t *testing.T) {
	store := newTestStore(t)
	o := &Outbox{Store: store, Client: NewClient("", "")}

	err := store.DB().Transaction(func(tx *gorm.DB) error {
		sale := models.Sale{BillNo: 1, UserID: 1, Status: models.SaleStatusCompleted}
		require.NoError(t, tx.Create(&sale).Error)
		require.NoError(t, o.EnqueueTx(tx, models.SyncActionCreate, &sale))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	pending, err := o.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDrainSetsAsideRejectedRow(t *testing.T) {
	cloud := &fakeCloud{}
	o := newOutbox(t, cloud)
	ctx := context.Background()
	ids := enqueueSales(t, o, 3)
	cloud.setReject(ids[1])

	res, err := o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.SetAside)
	assert.Zero(t, res.Remaining)

	var delivered []string
	for _, b := range cloud.batches {
		for _, sale := range b {
			delivered = append(delivered, sale.ID)
		}
	}
	assert.Equal(t, []string{ids[0], ids[2]}, delivered)

	var held models.SyncQueueEntry
	require.NoError(t, o.Store.DB().First(&held).Error)
	assert.Equal(t, ids[1], held.EntityID)
	assert.Equal(t, models.SyncStatusFailed, held.Status)
	assert.Contains(t, held.LastError, "422")

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	setAside, err := o.SetAside(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), setAside)

	// Nothing left to send until an operator requeues it.
	res, err = o.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)

	cloud.setReject()
	n, err := o.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err = o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	setAside, err = o.SetAside(ctx)
	require.NoError(t, err)
	assert.Zero(t, setAside)
}

func TestOutageNeverSetsRowsAside(t *testing.T) {
	cloud := &fakeCloud{}
	o := newOutbox(t, cloud)
	ctx := context.Background()
	ids := enqueueSales(t, o, 2)
	cloud.setReject(ids[0], ids[1])

	res, err := o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SetAside)

	_, err = o.Requeue(ctx)
	require.NoError(t, err)
	cloud.setFail(true)
	_, err = o.Drain(ctx)
	require.Error(t, err)
	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}

func TestKickDrainsFollowUpBatches(t *testing.T) {
	cloud := &fakeCloud{}
	o := newOutbox(t, cloud)
	o.FollowUpDelay = 20 * time.Millisecond
	t.Cleanup(o.Close)
	enqueueSales(t, o, 12)

	o.Kick()

	assert.Eventually(t, func() bool {
		pending, err := o.Pending(context.Background())
		return err == nil && pending == 0 && cloud.batchCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	cloud.mu.Lock()
	defer cloud.mu.Unlock()
	assert.Len(t, cloud.batches[0], 10)
	assert.Len(t, cloud.batches[1], 2)
}

func TestCloseWaitsForScheduledFollowUp(t *testing.T) {
	cloud := &fakeCloud{}
	o := newOutbox(t, cloud)
	o.FollowUpDelay = 200 * time.Millisecond
	enqueueSales(t, o, 12)

	o.Kick()
	// The first drain has returned once draining is released.
	require.Eventually(t, func() bool {
		return cloud.batchCount() == 1 && !o.draining.Load()
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	o.Close()
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// The follow-up fired after Close began and did not drain.
	time.Sleep(3 * o.FollowUpDelay)
	assert.Equal(t, 1, cloud.batchCount())
	pending, err := o.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	o.Kick()
	assert.Equal(t, 1, cloud.batchCount())
}
