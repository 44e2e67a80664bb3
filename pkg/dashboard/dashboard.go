// Package dashboard wires the account dashboard aggregate: its payload,
// the GET /dashboard fetcher, and a readmodel Coordinator fed by the
// "dashboard.updated" realtime push.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/txn2/stocksync/pkg/api"
	"github.com/txn2/stocksync/pkg/readmodel"
	"github.com/txn2/stocksync/pkg/realtime"
	"github.com/txn2/stocksync/pkg/telemetry"
)

const (
	// Entity is the realtime entity and cache key of the dashboard.
	Entity = "dashboard"

	// Path is the HTTP endpoint serving the dashboard.
	Path = "/dashboard"
)

// Snapshot is the server-computed dashboard of one account.
type Snapshot struct {
	AccountID      string    `json:"account_id,omitempty"`
	Products       int       `json:"products"`
	LowStock       int       `json:"low_stock"`
	OutOfStock     int       `json:"out_of_stock"`
	Customers      int       `json:"customers"`
	MovementsToday int       `json:"movements_today"`
	StockValue     float64   `json:"stock_value"`
	MonthRevenue   float64   `json:"month_revenue"`
	GeneratedAt    time.Time `json:"generated_at,omitzero"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("products=%d low_stock=%d out_of_stock=%d customers=%d movements_today=%d stock_value=%.2f month_revenue=%.2f",
		s.Products, s.LowStock, s.OutOfStock, s.Customers, s.MovementsToday, s.StockValue, s.MonthRevenue)
}

// Report is a server status report pushed on the realtime channel.
type Report struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	PendingJobs int    `json:"pending_jobs"`
}

// Getter performs authorized GET requests. *api.Authorized satisfies it.
type Getter interface {
	GetJSON(ctx context.Context, path string, out any, opts ...api.RequestOption) error
}

// Fetcher returns the HTTP fetch used by the coordinator. Dashboard reads
// never drive the loading indicator, and background refreshes are sent as
// silent requests.
func Fetcher(client Getter) func(ctx context.Context, source readmodel.Source) (Snapshot, error) {
	return func(ctx context.Context, source readmodel.Source) (Snapshot, error) {
		opts := []api.RequestOption{api.SkipLoading()}
		if source == readmodel.SourceBackground {
			opts = append(opts, api.Silent())
		}
		var s Snapshot
		if err := client.GetJSON(ctx, Path, &s, opts...); err != nil {
			return Snapshot{}, err
		}
		return s, nil
	}
}

// Config configures a Service.
type Config struct {
	Client   Getter
	Account  func(ctx context.Context) (string, error)
	Cache    readmodel.Cache
	Realtime *realtime.Gateway

	Clock           clockwork.Clock
	TTL             time.Duration
	RefreshInterval time.Duration
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

// Service is the dashboard read model.
type Service struct {
	*readmodel.Coordinator[Snapshot]

	realtime *realtime.Gateway
}

// New creates the dashboard Service.
func New(cfg Config) (*Service, error) {
	if cfg.Client == nil {
		return nil, errors.New("dashboard: client is required")
	}
	rcfg := readmodel.Config[Snapshot]{
		Entity:          Entity,
		Fetch:           Fetcher(cfg.Client),
		Account:         cfg.Account,
		Cache:           cfg.Cache,
		Clock:           cfg.Clock,
		TTL:             cfg.TTL,
		RefreshInterval: cfg.RefreshInterval,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	}
	if cfg.Realtime != nil {
		rcfg.Realtime = cfg.Realtime
	}
	coord, err := readmodel.New(rcfg)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	return &Service{Coordinator: coord, realtime: cfg.Realtime}, nil
}

// RequestStatus asks the server for a status report over the realtime
// channel. Without a connection it returns realtime.ErrNotConnected.
func (s *Service) RequestStatus(ctx context.Context) error {
	if s.realtime == nil {
		return realtime.ErrNotConnected
	}
	return s.realtime.RequestStatus(ctx)
}

// Reports returns decoded status reports as they are pushed. The cancel
// function ends the subscription.
func (s *Service) Reports() (<-chan Report, func()) {
	out := make(chan Report, 1)
	if s.realtime == nil {
		close(out)
		return out, func() {}
	}

	events, cancel := s.realtime.Subscribe(realtime.CategoryStatus)
	go func() {
		defer close(out)
		for ev := range events {
			var r Report
			if err := ev.Decode(&r); err != nil {
				continue
			}
			select {
			case out <- r:
			default:
				// Drop the pending report in favour of the newer one.
				select {
				case <-out:
				default:
				}
				out <- r
			}
		}
	}()
	return out, cancel
}
