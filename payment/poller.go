package payment

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"

	"wifibilling/web/db"
)

// Deferred poll pacing. A transaction that slips past the inline window gets
// a couple more provider queries before we leave it to the client's own
// polling and the webhook.
var (
	DeferredPollAttempts = 2
	DeferredPollInterval = 3 * time.Second
	DeferredPollDelay    = 30 * time.Second
)

type pollEntry struct {
	fireAt   time.Time
	checkout string
	attempt  int
}

func pollEntryLess(a, b pollEntry) bool {
	if a.fireAt.Equal(b.fireAt) {
		return a.checkout < b.checkout
	}
	return a.fireAt.Before(b.fireAt)
}

// Entries ordered by fire time so draining is a walk off the left edge.
var (
	pollMu       sync.Mutex
	pollSchedule = btree.NewG(2, pollEntryLess)
)

func scheduleDeferredPoll(checkoutRequestID string) {
	schedulePoll(pollEntry{
		fireAt:   time.Now().Add(DeferredPollDelay),
		checkout: checkoutRequestID,
		attempt:  1,
	})
}

func schedulePoll(e pollEntry) {
	pollMu.Lock()
	pollSchedule.ReplaceOrInsert(e)
	pollMu.Unlock()
}

// StartDeferredPoller drains due entries once a second until ctx cancels.
// Run it once per process from main.
func StartDeferredPoller(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drainDue(ctx, time.Now())
		}
	}
}

func drainDue(ctx context.Context, now time.Time) {
	for {
		pollMu.Lock()
		entry, ok := pollSchedule.Min()
		if !ok || entry.fireAt.After(now) {
			pollMu.Unlock()
			return
		}
		pollSchedule.DeleteMin()
		pollMu.Unlock()

		runDeferredPoll(ctx, entry)
	}
}

func runDeferredPoll(ctx context.Context, entry pollEntry) {
	var tx db.Transaction
	if err := db.DB.Where("checkout_request_id = ?", entry.checkout).First(&tx).Error; err != nil {
		return
	}
	if tx.Status != db.TxPending {
		return
	}

	resp, err := provider.STKQuery(ctx, entry.checkout)
	if err == nil && resp.ResultCode != "" {
		// only paid or dismissed settle here, anything else waits for the
		// webhook or the next attempt
		if code, cerr := strconv.Atoi(resp.ResultCode); cerr == nil && (code == 0 || code == 1032) {
			if _, _, ferr := Finalize(ctx, entry.checkout, code, resp.ResultDesc, resp.MpesaReceiptNumber); ferr == nil {
				return
			}
		}
	}

	if entry.attempt < DeferredPollAttempts {
		schedulePoll(pollEntry{
			fireAt:   time.Now().Add(DeferredPollInterval),
			checkout: entry.checkout,
			attempt:  entry.attempt + 1,
		})
	} else {
		logger.Warn().
			Str("checkoutRequestId", entry.checkout).
			Msg("deferred polling exhausted, leaving transaction to webhook")
	}
}
