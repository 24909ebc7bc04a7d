package store

import (
	"fmt"
	"time"
)

// Millisecond widths of the fixed statistic buckets.
const (
	hourMs  = int64(3600000)
	dayMs   = int64(86400000)
	weekMs  = int64(604800000)
	monthMs = int64(2592000000) // 30-day bucket
)

// TokenSeries is a fully initialised, zero-filled bucket series plus the
// window and bucket width a backend needs to fill it: bucket index for a
// row timestamp ts is (ts - Start) / WidthMs.
type TokenSeries struct {
	Points  []TokenPoint
	Start   int64 // inclusive, ms
	End     int64 // exclusive, ms
	WidthMs int64
}

// TodayStart returns local midnight of the current day in epoch ms.
func TodayStart(now time.Time) int64 {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).UnixMilli()
}

// TodayEnd returns 23:59:59 local of the current day in epoch ms.
func TodayEnd(now time.Time) int64 {
	y, m, d := now.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, now.Location()).UnixMilli()
}

// YearStart returns Jan 1 00:00 local of the current year in epoch ms.
func YearStart(now time.Time) int64 {
	return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location()).UnixMilli()
}

// RangeStart maps a ranking time range to its inclusive start
// timestamp. An empty range means all-time and returns (0, false).
func RangeStart(timeRange string, now time.Time) (int64, bool) {
	switch timeRange {
	case "hour":
		return TodayStart(now), true
	case "day":
		return TodayStart(now) - 6*dayMs, true
	case "week":
		return TodayEnd(now) - 28*dayMs, true
	case "month":
		return YearStart(now), true
	default:
		return 0, false
	}
}

// NewTokenSeries builds the zero-filled series for a statistics range:
// 13 hourly buckets (5 back, 7 forward of the current hour), 7 daily
// buckets ending today, 4 weekly buckets ending today, or 12 monthly
// buckets from Jan 1. Labels run oldest to newest.
func NewTokenSeries(timeRange string, now time.Time) (TokenSeries, error) {
	switch timeRange {
	case "hour":
		currentHour := now.Truncate(time.Hour)
		start := currentHour.UnixMilli() - 5*hourMs
		s := TokenSeries{Start: start, End: currentHour.UnixMilli() + 8*hourMs, WidthMs: hourMs}
		for i := 0; i < 13; i++ {
			t := time.UnixMilli(start + int64(i)*hourMs).In(now.Location())
			s.Points = append(s.Points, TokenPoint{Label: fmt.Sprintf("%02d:00", t.Hour())})
		}
		return s, nil
	case "day":
		start := TodayStart(now) - 6*dayMs
		s := TokenSeries{Start: start, End: start + 7*dayMs, WidthMs: dayMs}
		for i := 0; i < 7; i++ {
			t := time.UnixMilli(start + int64(i)*dayMs).In(now.Location())
			s.Points = append(s.Points, TokenPoint{Label: fmt.Sprintf("%d月%d日", int(t.Month()), t.Day())})
		}
		return s, nil
	case "week":
		end := TodayEnd(now)
		s := TokenSeries{Start: end - 28*dayMs, End: end + 1, WidthMs: weekMs}
		for i := 1; i <= 4; i++ {
			s.Points = append(s.Points, TokenPoint{Label: fmt.Sprintf("第%d周", i)})
		}
		return s, nil
	case "month":
		start := YearStart(now)
		s := TokenSeries{Start: start, End: start + 12*monthMs, WidthMs: monthMs}
		for i := 1; i <= 12; i++ {
			s.Points = append(s.Points, TokenPoint{Label: fmt.Sprintf("%d月", i)})
		}
		return s, nil
	default:
		return TokenSeries{}, fmt.Errorf("invalid time range %q", timeRange)
	}
}
