package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"checkout-service/internal/cache"
	"checkout-service/internal/repository"
	"checkout-service/internal/service"
)

const sweepBatchSize = 100

// ReconciliationWorker periodically sweeps for orders whose mirrored
// payment status drifted from the payment aggregate. The saga sync is
// best-effort, so a failed sync leaves exactly this kind of mismatch;
// the sweep re-applies the coordinator mapping from the payment, which
// is the source of truth.
type ReconciliationWorker struct {
	orderRepo repository.OrderRepository
	snapshots cache.Store
	interval  time.Duration
}

func NewReconciliationWorker(orderRepo repository.OrderRepository, snapshots cache.Store, interval time.Duration) *ReconciliationWorker {
	return &ReconciliationWorker{
		orderRepo: orderRepo,
		snapshots: snapshots,
		interval:  interval,
	}
}

func (w *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Info().Msg("Reconciliation worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.process(ctx); err != nil {
				log.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		}
	}
}

func (w *ReconciliationWorker) process(ctx context.Context) error {
	mismatches, err := w.orderRepo.FindPaymentStatusMismatches(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	if len(mismatches) == 0 {
		return nil
	}

	log.Warn().Msgf("Found %d order/payment status mismatches, repairing", len(mismatches))

	for _, m := range mismatches {
		want, ok := service.OrderPaymentStatusFor(m.PaymentStatus)
		if !ok {
			continue
		}
		if err := w.orderRepo.UpdatePaymentStatus(ctx, m.OrderID, want); err != nil {
			log.Error().Err(err).Msgf("Failed to repair payment status for order %s", m.OrderID)
			continue
		}
		if err := w.snapshots.Invalidate(ctx, cache.OrderKey(m.OrderID)); err != nil {
			log.Warn().Err(err).Msgf("Cache invalidation failed for order %s", m.OrderID)
		}
		log.Info().Msgf("Repaired order %s payment status %s -> %s (payment %s is %s)",
			m.OrderID, m.OrderStatus, want, m.PaymentID, m.PaymentStatus)
	}
	return nil
}
