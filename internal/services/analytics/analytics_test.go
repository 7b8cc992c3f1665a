package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/ledger"
	"github.com/creditgate/creditgate/internal/services/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestAnalytics(t *testing.T) (*Service, *wallet.Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := ledger.NewGormStore(db)
	require.NoError(t, store.AutoMigrate())

	walletSvc := wallet.NewService(store)
	return NewService(store, walletSvc), walletSvc
}

func seedSpend(t *testing.T, svc *wallet.Service, userID int64) {
	t.Helper()
	ctx := context.Background()

	_, err := svc.Credit(ctx, models.CreditParams{
		UserID: userID, Amount: 100, Kind: models.LedgerKindGrant, CorrelationID: "grant-1",
	})
	require.NoError(t, err)

	spends := []struct {
		amount int64
		desc   string
		cid    string
	}{
		{3, "pending:chat_message", "op-1"},
		{3, "pending:chat_message", "op-2"},
		{10, "pending:image", "op-3"},
		{5, "pending:document", "op-4"},
		{8, "pending:photo", "op-5"},
	}
	for _, s := range spends {
		_, err := svc.Debit(ctx, models.DebitParams{
			UserID: userID, Amount: s.amount, Description: s.desc, CorrelationID: s.cid,
		})
		require.NoError(t, err)
	}
}

func TestCategoryBreakdownSplitsByOperation(t *testing.T) {
	analytics, walletSvc := newTestAnalytics(t)
	seedSpend(t, walletSvc, 1)

	b, err := analytics.CategoryBreakdown(context.Background(), 1, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(6), b.Messages)
	assert.Equal(t, int64(10), b.Images)
	assert.Equal(t, int64(5), b.Documents)
	assert.Equal(t, int64(8), b.Photos)
	assert.Equal(t, int64(0), b.Other)
	assert.Equal(t, int64(29), b.Total)
}

func TestRefundedOperationNetsOutOfBreakdown(t *testing.T) {
	analytics, walletSvc := newTestAnalytics(t)
	seedSpend(t, walletSvc, 2)
	ctx := context.Background()

	_, err := walletSvc.Credit(ctx, models.CreditParams{
		UserID: 2, Amount: 10, Kind: models.LedgerKindRefund,
		Description: "refund:image", CorrelationID: "op-3",
	})
	require.NoError(t, err)

	b, err := analytics.CategoryBreakdown(ctx, 2, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Images)
	assert.Equal(t, int64(19), b.Total)
}

func TestUsageBucketsByDay(t *testing.T) {
	analytics, walletSvc := newTestAnalytics(t)
	seedSpend(t, walletSvc, 3)

	usage, err := analytics.Usage(context.Background(), 3, 30)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(29), usage[0].Spent)
	assert.Equal(t, time.UTC, usage[0].Day.Location())
}

func TestSpendForecastProjectsDaysLeft(t *testing.T) {
	analytics, walletSvc := newTestAnalytics(t)
	seedSpend(t, walletSvc, 4)

	forecast, err := analytics.SpendForecast(context.Background(), 4)
	require.NoError(t, err)
	require.NotNil(t, forecast)

	// 29 spent over the 30 day window against a balance of 71
	assert.InDelta(t, 29.0/30.0, forecast.DailyAverage, 1e-9)
	assert.Equal(t, int64(73), forecast.DaysLeft)
	assert.Equal(t, 30, forecast.WindowDays)
}

func TestSpendForecastNilWithoutHistory(t *testing.T) {
	analytics, walletSvc := newTestAnalytics(t)
	ctx := context.Background()

	_, err := walletSvc.Credit(ctx, models.CreditParams{
		UserID: 5, Amount: 100, Kind: models.LedgerKindGrant, CorrelationID: "grant-5",
	})
	require.NoError(t, err)

	forecast, err := analytics.SpendForecast(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, forecast)
}
