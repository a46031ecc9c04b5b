package storage

import (
	"context"
	"time"

	"dailycast/internal/broadcast"
	logx "dailycast/pkg/logx"
)

// historyWriteTimeout bounds one AppendDelivery made from the send loop.
const historyWriteTimeout = 2 * time.Second

// HistorySink records a DeliveryRecord for every per-recipient broadcast
// event, then forwards the event to Next. The write happens inline on the
// broadcast goroutine, so every outcome reaches Store even when the event bus
// drops events for slow subscribers.
type HistorySink struct {
	Next  broadcast.EventSink
	Store Store
	Log   logx.Logger
}

func (h HistorySink) Emit(e broadcast.Event) {
	if h.Store != nil && e.Stage == broadcast.StageDelivery {
		h.record(e)
	}
	if h.Next != nil {
		h.Next.Emit(e)
	}
}

func (h HistorySink) record(e broadcast.Event) {
	rec := DeliveryRecord{
		At:          e.Time,
		BroadcastID: e.BroadcastID,
		Trigger:     string(e.Trigger),
		Recipient:   e.Recipient,
		OK:          e.Level == broadcast.LevelSuccess,
		Error:       e.Err,
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := h.Store.AppendDelivery(ctx, rec); err != nil && !h.Log.IsZero() {
		h.Log.Warn("append delivery failed",
			logx.String("broadcast", rec.BroadcastID),
			logx.String("recipient", rec.Recipient),
			logx.Err(err))
	}
}
