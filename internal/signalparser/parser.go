// Package signalparser turns a free-text trading signal into a
// canonical domain.TradeSignal. The five dialects below are matched
// with stdlib regexp/strings, the idiomatic tool for a handful of
// fixed templates.
package signalparser

import (
	"regexp"
	"strconv"
	"strings"

	"tradeengine/internal/domain"
)

// sentinel values meaning "not set" on a labelled numeric line.
var sentinels = map[string]struct{}{
	"未設定": {}, "未设定": {}, "无": {}, "無": {}, "n/a": {}, "na": {}, "-": {},
}

func isSentinel(s string) bool {
	_, ok := sentinels[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

var longCues = []string{"long", "多", "做多", "买多", "買多", "buy"}
var shortCues = []string{"short", "空", "做空", "买空", "賣空", "卖空", "sell"}

// parseSide looks for a LONG/SHORT cue anywhere in the text. Returns
// nil when no cue is present.
func parseSide(text string) *domain.PositionSide {
	lower := strings.ToLower(text)
	for _, cue := range shortCues {
		if strings.Contains(lower, strings.ToLower(cue)) {
			side := domain.Short
			return &side
		}
	}
	for _, cue := range longCues {
		if strings.Contains(lower, strings.ToLower(cue)) {
			side := domain.Long
			return &side
		}
	}
	return nil
}

// normalizeSymbol appends USDT when the symbol has no quote suffix.
func normalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	if strings.HasSuffix(s, "USDT") {
		return s
	}
	return s + "USDT"
}

func parseFloatLoose(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "$＄")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var (
	symbolLineRe    = regexp.MustCompile(`(?im)^\s*(?:symbol|币种|标的|交易对)?[:：]?\s*([A-Za-z]{2,15}(?:USDT)?)\s*$`)
	entryLineRe     = regexp.MustCompile(`(?im)^\s*(?:entry|入场|进场|開倉|开仓)\s*[:：]\s*([0-9.,]+)\s*$`)
	slLineRe        = regexp.MustCompile(`(?im)^\s*(?:sl|stop\s*loss|止损|止損)\s*[:：]\s*(\S.*)$`)
	tpLineRe        = regexp.MustCompile(`(?im)^\s*(?:tp\d*|take\s*profit|止盈)\s*[:：]\s*(\S.*)$`)
	directionLineRe = regexp.MustCompile(`(?im)^\s*(?:direction|方向|side)\s*[:：]\s*(\S.*)$`)

	cancelRe = regexp.MustCompile(`(?i)(取消|撤销|撤單|cancel)`)

	moveSLHeaderRe = regexp.MustCompile(`(仓位更新|位置更新|position\s*update|更新止损|移动止损)`)
	newSLRe        = regexp.MustCompile(`(?im)(?:新\s*止损|新\s*止損|new\s*sl)\s*[:：]\s*([0-9.,]+)`)
	newTPRe        = regexp.MustCompile(`(?im)(?:新\s*止盈|new\s*tp)\s*[:：]\s*([0-9.,]+)`)

	narrativeRe = regexp.MustCompile(`(?i)([A-Za-z]{2,15}(?:USDT)?)\D{0,6}([0-9.,]+)\s*(?:-|~|到|至)\s*([0-9.,]+)|([A-Za-z]{2,15}(?:USDT)?)\D{0,6}([0-9.,]+)\s*附近`)

	triggerLineRe = regexp.MustCompile(`(?i)^\s*([0-9.,]+)\s*(多|空|long|short)\s*触发入场\s*$`)
)

// Parse attempts each grammar dialect in the order lists.
// Returns nil when nothing matches; never panics or returns an error —
// an unrecognised message is simply not a signal.
func Parse(raw string, source domain.SignalSource) *domain.TradeSignal {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}

	if sig := parseStructuredEntry(text, source); sig != nil {
		return sig
	}
	if sig := parseStructuredCancel(text, source); sig != nil {
		return sig
	}
	if sig := parseStructuredMoveSL(text, source); sig != nil {
		return sig
	}
	if sig := parseNarrativeEntry(text, source); sig != nil {
		return sig
	}
	if sig := parseTriggerLine(text, source); sig != nil {
		return sig
	}
	return nil
}

// parseStructuredEntry handles the multi-line ENTRY template: a symbol
// line, a direction line, and labelled entry/SL/TP lines.
func parseStructuredEntry(text string, source domain.SignalSource) *domain.TradeSignal {
	entryMatch := entryLineRe.FindStringSubmatch(text)
	if entryMatch == nil {
		return nil
	}
	entryPrice, ok := parseFloatLoose(entryMatch[1])
	if !ok {
		return nil
	}

	var symbol string
	for _, line := range strings.Split(text, "\n") {
		if m := symbolLineRe.FindStringSubmatch(line); m != nil {
			symbol = normalizeSymbol(m[1])
			break
		}
	}
	if symbol == "" {
		return nil
	}

	side := parseSide(text)
	if side == nil {
		if m := directionLineRe.FindStringSubmatch(text); m != nil {
			side = parseSide(m[1])
		}
	}
	if side == nil {
		return nil
	}

	stopLoss := 0.0
	if m := slLineRe.FindStringSubmatch(text); m != nil {
		if isSentinel(m[1]) {
			stopLoss = 0
		} else if v, ok := parseFloatLoose(m[1]); ok {
			stopLoss = v
		}
	}

	var tps []float64
	for _, m := range tpLineRe.FindAllStringSubmatch(text, -1) {
		if isSentinel(m[1]) {
			continue
		}
		if v, ok := parseFloatLoose(m[1]); ok {
			tps = append(tps, v)
		}
	}

	isDca := strings.Contains(strings.ToLower(text), "dca") || strings.Contains(text, "加仓") || strings.Contains(text, "補倉") || strings.Contains(text, "补仓")

	return &domain.TradeSignal{
		Symbol:         symbol,
		Side:           side,
		SignalType:     domain.SignalEntry,
		EntryPriceLow:  entryPrice,
		EntryPriceHigh: entryPrice,
		StopLoss:       stopLoss,
		TakeProfits:    tps,
		IsDca:          isDca,
		RawMessage:     text,
		Source:         source,
	}
}

// parseStructuredCancel handles an explicit cancellation notice.
func parseStructuredCancel(text string, source domain.SignalSource) *domain.TradeSignal {
	if !cancelRe.MatchString(text) {
		return nil
	}
	var symbol string
	for _, line := range strings.Split(text, "\n") {
		if m := symbolLineRe.FindStringSubmatch(line); m != nil {
			symbol = normalizeSymbol(m[1])
			break
		}
	}
	if symbol == "" {
		// Try inline symbol adjacent to the cancel cue, e.g. "取消 BTCUSDT 多单"
		if m := regexp.MustCompile(`(?i)([A-Za-z]{2,15}(?:USDT)?)`).FindStringSubmatch(text); m != nil {
			symbol = normalizeSymbol(m[1])
		}
	}
	if symbol == "" {
		return nil
	}
	side := parseSide(text)
	return &domain.TradeSignal{
		Symbol:     symbol,
		Side:       side,
		SignalType: domain.SignalCancel,
		RawMessage: text,
		Source:     source,
	}
}

// parseStructuredMoveSL handles a "position update" notice carrying a
// new SL and/or new TP. Empty on both is a no-op (rejected by
// returning nil, not forwarded as a signal).
func parseStructuredMoveSL(text string, source domain.SignalSource) *domain.TradeSignal {
	if !moveSLHeaderRe.MatchString(text) {
		return nil
	}
	var newSL, newTP *float64
	if m := newSLRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseFloatLoose(m[1]); ok {
			newSL = &v
		}
	}
	if m := newTPRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseFloatLoose(m[1]); ok {
			newTP = &v
		}
	}
	if newSL == nil && newTP == nil {
		return nil
	}

	var symbol string
	for _, line := range strings.Split(text, "\n") {
		if m := symbolLineRe.FindStringSubmatch(line); m != nil {
			symbol = normalizeSymbol(m[1])
			break
		}
	}

	return &domain.TradeSignal{
		Symbol:        symbol,
		SignalType:    domain.SignalMoveSL,
		NewStopLoss:   newSL,
		NewTakeProfit: newTP,
		RawMessage:    text,
		Source:        source,
	}
}

// parseNarrativeEntry handles a single-sentence ENTRY: symbol, price
// range "A-B" (or "X附近" meaning low=high=X), direction keyword, SL,
// and one-or-more TP values.
func parseNarrativeEntry(text string, source domain.SignalSource) *domain.TradeSignal {
	m := narrativeRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}

	var symbol string
	var low, high float64
	if m[1] != "" {
		symbol = normalizeSymbol(m[1])
		low, _ = parseFloatLoose(m[2])
		high, _ = parseFloatLoose(m[3])
	} else {
		symbol = normalizeSymbol(m[4])
		v, _ := parseFloatLoose(m[5])
		low, high = v, v
	}
	if low == 0 && high == 0 {
		return nil
	}

	side := parseSide(text)
	if side == nil {
		return nil
	}

	stopLoss := 0.0
	if sm := slLineRe.FindStringSubmatch(text); sm != nil {
		if v, ok := parseFloatLoose(sm[1]); ok {
			stopLoss = v
		}
	} else if sm := regexp.MustCompile(`(?i)(?:sl|止损|止損)\s*[:：]?\s*([0-9.,]+)`).FindStringSubmatch(text); sm != nil {
		if v, ok := parseFloatLoose(sm[1]); ok {
			stopLoss = v
		}
	}

	var tps []float64
	tpAll := regexp.MustCompile(`(?i)(?:tp\d*|止盈)\s*[:：]?\s*([0-9.,]+)`).FindAllStringSubmatch(text, -1)
	for _, tm := range tpAll {
		if v, ok := parseFloatLoose(tm[1]); ok {
			tps = append(tps, v)
		}
	}
	if len(tps) == 0 {
		return nil
	}

	return &domain.TradeSignal{
		Symbol:         symbol,
		Side:           side,
		SignalType:     domain.SignalEntry,
		EntryPriceLow:  low,
		EntryPriceHigh: high,
		StopLoss:       stopLoss,
		TakeProfits:    tps,
		RawMessage:     text,
		Source:         source,
	}
}

// parseTriggerLine handles the short notice "<price><direction>触发入场".
func parseTriggerLine(text string, source domain.SignalSource) *domain.TradeSignal {
	m := triggerLineRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	price, ok := parseFloatLoose(m[1])
	if !ok {
		return nil
	}
	side := parseSide(m[2])
	if side == nil {
		return nil
	}
	return &domain.TradeSignal{
		SignalType:     domain.SignalEntry,
		Side:           side,
		EntryPriceLow:  price,
		EntryPriceHigh: price,
		RawMessage:     text,
		Source:         source,
	}
}
