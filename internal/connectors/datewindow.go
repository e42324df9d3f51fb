package connectors

import "time"

// dateWindow is one bounded slice of a statement range.
type dateWindow struct {
	start time.Time
	end   time.Time
}

// dateWindows splits [start, end] into quarter-sized windows ordered most
// recent first, clamping the overall range to the maximum lookback from now.
// Scanning newest-to-oldest lets callers stop at a since-id boundary without
// fetching older history.
func dateWindows(start, end, now time.Time) []dateWindow {
	today := truncateDay(now)
	oneYearAgo := today.AddDate(-1, 0, 0)

	if start.IsZero() {
		start = oneYearAgo
	}
	if end.IsZero() {
		end = today
	}

	start = truncateDay(start)
	end = truncateDay(end)

	if start.Before(oneYearAgo) {
		start = oneYearAgo
	}
	if end.After(today) {
		end = today
	}
	if start.After(end) {
		return nil
	}

	var windows []dateWindow
	for cursor := start; !cursor.After(end); {
		windowEnd := cursor.AddDate(0, 3, 0).AddDate(0, 0, -1)
		if windowEnd.After(end) {
			windowEnd = end
		}
		windows = append(windows, dateWindow{start: cursor, end: windowEnd})
		cursor = windowEnd.AddDate(0, 0, 1)
	}

	// Reverse: newest window first.
	for i, j := 0, len(windows)-1; i < j; i, j = i+1, j-1 {
		windows[i], windows[j] = windows[j], windows[i]
	}
	return windows
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// dedupByID removes later duplicates, keeping first occurrence order. Banks
// without native pagination can return the same row in adjacent windows.
func dedupByID(transactions []RawTransaction) []RawTransaction {
	seen := make(map[string]struct{}, len(transactions))
	out := transactions[:0]
	for _, txn := range transactions {
		if _, ok := seen[txn.ID]; ok {
			continue
		}
		seen[txn.ID] = struct{}{}
		out = append(out, txn)
	}
	return out
}
