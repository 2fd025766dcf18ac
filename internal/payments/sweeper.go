package payments

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultExpiry      = time.Hour
	ExpiredDescription = "Transaction expired due to no response from M-Pesa"

	sweepLockKey = "lock:mpesa:sweep"
	sweepBatch   = 200
)

// Locker is a cross-process mutex with a TTL.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Sweeper fails transactions Daraja never answered for.
type Sweeper struct {
	Store      Store
	Reconciler *Reconciler
	Locker     Locker // optional
	MaxAge     time.Duration
	Logger     *slog.Logger
	Clock      func() time.Time
}

func (s *Sweeper) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Sweeper) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Sweep expires every transaction still PENDING after MaxAge and returns how
// many it moved. Ones settled concurrently by a callback or poll are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	maxAge := s.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultExpiry
	}
	cutoff := s.now().Add(-maxAge)

	count := 0
	for {
		pending, err := s.Store.ListPendingBefore(ctx, cutoff, sweepBatch)
		if err != nil {
			return count, err
		}
		moved := 0
		for _, t := range pending {
			res, err := s.Reconciler.Apply(ctx, t.ID, Outcome{
				ResultCode: ResultCodeExpired,
				ResultDesc: ExpiredDescription,
			})
			if err != nil {
				s.log().ErrorContext(ctx, "expire mpesa transaction", "transaction_id", t.ID, "err", err)
				continue
			}
			if res.Applied {
				moved++
			}
		}
		count += moved
		if len(pending) < sweepBatch || moved == 0 {
			break
		}
	}
	s.log().InfoContext(ctx, "expired pending mpesa transactions", "count", count)
	return count, nil
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		s.tick(ctx, interval)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context, interval time.Duration) {
	if s.Locker != nil {
		ok, err := s.Locker.TryLock(ctx, sweepLockKey, interval)
		if err != nil {
			s.log().WarnContext(ctx, "sweep lock unavailable, sweeping anyway", "err", err)
		} else if !ok {
			return
		} else {
			defer func() { _ = s.Locker.Unlock(context.Background(), sweepLockKey) }()
		}
	}
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log().ErrorContext(ctx, "sweep failed", "err", err)
	}
}
