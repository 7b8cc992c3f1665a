package analytics

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/ledger"
	"github.com/creditgate/creditgate/internal/services/wallet"
)

// forecastWindowDays is the rolling window the spend average is taken over.
const forecastWindowDays = 30

// DailyUsage is the net credits spent on one UTC day.
type DailyUsage struct {
	Day   time.Time `json:"day"`
	Spent int64     `json:"spent"`
}

// Breakdown splits net spend across operation categories.
type Breakdown struct {
	Messages  int64 `json:"messages"`
	Images    int64 `json:"images"`
	Documents int64 `json:"documents"`
	Photos    int64 `json:"photos"`
	Other     int64 `json:"other"`
	Total     int64 `json:"total"`
}

// Forecast projects how long the current balance lasts at the average
// spend rate of the last 30 days.
type Forecast struct {
	DailyAverage float64 `json:"daily_average"`
	DaysLeft     int64   `json:"days_left"`
	WindowDays   int     `json:"window_days"`
}

// Service derives usage reports from the transaction log. It never
// mutates the ledger.
type Service struct {
	store  ledger.Store
	wallet *wallet.Service
}

func NewService(store ledger.Store, walletSvc *wallet.Service) *Service {
	return &Service{store: store, wallet: walletSvc}
}

// Usage buckets net spend per UTC day over the last `days` days. Days
// without spend are omitted.
func (s *Service) Usage(ctx context.Context, userID int64, days int) ([]DailyUsage, error) {
	entries, err := s.spendEntries(ctx, userID, days)
	if err != nil {
		return nil, err
	}

	buckets := make(map[time.Time]int64)
	var order []time.Time
	for _, entry := range entries {
		day := entry.CreatedAt.UTC().Truncate(24 * time.Hour)
		if _, seen := buckets[day]; !seen {
			order = append(order, day)
		}
		buckets[day] += spendDelta(entry)
	}

	usage := make([]DailyUsage, 0, len(order))
	for _, day := range order {
		usage = append(usage, DailyUsage{Day: day, Spent: buckets[day]})
	}
	return usage, nil
}

// CategoryBreakdown splits net spend over the last `days` days by the
// operation category recorded in entry descriptions.
func (s *Service) CategoryBreakdown(ctx context.Context, userID int64, days int) (*Breakdown, error) {
	entries, err := s.spendEntries(ctx, userID, days)
	if err != nil {
		return nil, err
	}

	var b Breakdown
	for _, entry := range entries {
		delta := spendDelta(entry)
		switch categoryOf(entry.Description) {
		case models.OperationChatMessage:
			b.Messages += delta
		case models.OperationImage:
			b.Images += delta
		case models.OperationDocument:
			b.Documents += delta
		case models.OperationPhoto:
			b.Photos += delta
		default:
			b.Other += delta
		}
		b.Total += delta
	}
	return &b, nil
}

// SpendForecast returns nil when the user has no spend history at all,
// since there is nothing to extrapolate from.
func (s *Service) SpendForecast(ctx context.Context, userID int64) (*Forecast, error) {
	entries, err := s.spendEntries(ctx, userID, forecastWindowDays)
	if err != nil {
		return nil, err
	}

	var net int64
	var deducts int
	for _, entry := range entries {
		if entry.Kind == models.LedgerKindDeduct {
			deducts++
		}
		net += spendDelta(entry)
	}
	if deducts == 0 {
		return nil, nil
	}

	average := float64(net) / float64(forecastWindowDays)
	balance, err := s.wallet.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	forecast := &Forecast{
		DailyAverage: average,
		WindowDays:   forecastWindowDays,
	}
	if average > 0 {
		forecast.DaysLeft = int64(math.Floor(float64(balance) / average))
	}
	return forecast, nil
}

// spendEntries lists deducts and refunds in the window; refunds are
// included so refunded operations net out of every report.
func (s *Service) spendEntries(ctx context.Context, userID int64, days int) ([]models.LedgerEntry, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	kinds := []models.LedgerKind{models.LedgerKindDeduct, models.LedgerKindRefund, models.LedgerKindAdjust}
	return s.store.List(ctx, userID, since, kinds, 0)
}

func spendDelta(entry models.LedgerEntry) int64 {
	if entry.Kind == models.LedgerKindDeduct {
		return entry.Amount
	}
	return -entry.Amount
}

// categoryOf recovers the operation kind from descriptions of the form
// "pending:image" / "refund:image" / "settle:image".
func categoryOf(description string) models.OperationKind {
	for _, kind := range []models.OperationKind{
		models.OperationChatMessage,
		models.OperationImage,
		models.OperationDocument,
		models.OperationPhoto,
	} {
		if strings.Contains(description, string(kind)) {
			return kind
		}
	}
	return ""
}
