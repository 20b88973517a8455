// Package dedup implements signal deduplication: a
// stable hash over the normalised signal tuple, and a time-windowed
// existence check against the trade store.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"
)

const defaultWindow = 60 * time.Second

// Deduplicator detects repeat signals within a configurable window.
// Hashing is best-effort: a hash failure must never block recording
// the underlying signal, so GenerateHash never returns an error.
type Deduplicator struct {
	store  ports.TradeStore
	clock  ports.Clock
	window time.Duration
}

func New(store ports.TradeStore, clock ports.Clock, window time.Duration) *Deduplicator {
	if window <= 0 {
		window = defaultWindow
	}
	return &Deduplicator{store: store, clock: clock, window: window}
}

// GenerateHash maps the normalised (symbol, signalType, side,
// entry-range, SL, TP list, isDca) tuple to a stable hex digest.
func GenerateHash(signal *domain.TradeSignal) string {
	if signal == nil {
		return ""
	}
	side := "NIL"
	if signal.Side != nil {
		side = string(*signal.Side)
	}
	tps := make([]string, len(signal.TakeProfits))
	for i, tp := range signal.TakeProfits {
		tps[i] = fmt.Sprintf("%.8f", tp)
	}
	sort.Strings(tps)

	parts := []string{
		strings.ToUpper(signal.Symbol),
		string(signal.SignalType),
		side,
		fmt.Sprintf("%.8f", signal.EntryPriceLow),
		fmt.Sprintf("%.8f", signal.EntryPriceHigh),
		fmt.Sprintf("%.8f", signal.StopLoss),
		strings.Join(tps, ","),
		fmt.Sprintf("%t", signal.IsDca),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether a Trade already exists for
// (signalHash, userID) created within the window.
func (d *Deduplicator) IsDuplicate(ctx context.Context, signal *domain.TradeSignal, userID string) (bool, error) {
	hash := GenerateHash(signal)
	if hash == "" {
		return false, nil
	}
	since := d.clock.Now().Add(-d.window).UnixMilli()
	matches, err := d.store.FindRecentBySignalHash(ctx, userID, hash, since)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}
