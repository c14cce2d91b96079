package bot

import (
	"context"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/events"
	"github.com/rovshanmuradov/alpha-hunter/internal/logger"
)

// tradeRecorder is the part of the trade journal fed by the bus.
type tradeRecorder interface {
	Record(rec logger.TradeRecord) error
}

// subscribeJournal writes every confirmed buy and tier sell to the journal.
func subscribeJournal(bus *events.Bus, journal tradeRecorder, log *zap.Logger) []events.Subscription {
	record := func(rec logger.TradeRecord) error {
		if err := journal.Record(rec); err != nil {
			log.Warn("Failed to journal trade",
				zap.String("action", rec.Action),
				zap.String("tx_hash", rec.TxHash),
				zap.Error(err))
			return err
		}
		return nil
	}

	opened := bus.SubscribeFunc(events.PositionOpened, func(_ context.Context, e events.Event) error {
		ev, ok := e.(events.PositionOpenedEvent)
		if !ok {
			return nil
		}
		return record(logger.TradeRecord{
			Time:     ev.Timestamp(),
			Token:    ev.Token,
			Symbol:   ev.Symbol,
			Action:   logger.ActionBuy,
			Quantity: ev.Quantity.String(),
			Native:   ev.Invested.String(),
			Price:    ev.EntryPrice.String(),
			TxHash:   ev.TxHash,
		})
	})

	sold := bus.SubscribeFunc(events.TierSold, func(_ context.Context, e events.Event) error {
		ev, ok := e.(events.TierSoldEvent)
		if !ok {
			return nil
		}
		return record(logger.TradeRecord{
			Time:     ev.Timestamp(),
			Token:    ev.Token,
			Symbol:   ev.Symbol,
			Action:   logger.ActionSell,
			Tier:     ev.Tier,
			Quantity: ev.Quantity.String(),
			Native:   ev.NativeReceived.String(),
			Price:    ev.Price.String(),
			TxHash:   ev.TxHash,
		})
	})

	return []events.Subscription{opened, sold}
}

// subscribeFailures surfaces failed executions at the runner level.
func subscribeFailures(bus *events.Bus, log *zap.Logger) events.Subscription {
	return bus.SubscribeFunc(events.ExecutionFailed, func(_ context.Context, e events.Event) error {
		ev, ok := e.(events.ExecutionFailedEvent)
		if !ok {
			return nil
		}
		log.Warn("Execution failed",
			zap.String("token", ev.Token),
			zap.String("operation", ev.Operation),
			zap.String("reason", ev.Reason),
			zap.String("tx_hash", ev.TxHash),
			zap.Error(ev.Err))
		return nil
	})
}
