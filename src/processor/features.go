package processor

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// ErrInvariantViolation 派生阶段收到未被清洗的行，属于编排顺序缺陷而非数据质量问题
var ErrInvariantViolation = errors.New("post-clean invariant violated")

// Derive 追加派生列，行数与顺序不变:
// trip_duration_minutes, trip_speed_mph, pickup_hour, pickup_day_of_week, pickup_date, tip_pct
func Derive(df dataframe.DataFrame) (dataframe.DataFrame, error) {
	n := df.Nrow()
	durations := make([]float64, n)
	speeds := make([]float64, n)
	hours := make([]int, n)
	days := make([]string, n)
	dates := make([]string, n)
	tipPcts := make([]float64, n)

	reader := newRecordReader(df)
	for i := 0; i < n; i++ {
		rec := reader.at(i)
		if err := checkInvariants(rec); err != nil {
			return dataframe.DataFrame{}, err
		}

		durations[i] = rec.DurationMinutes()
		speeds[i] = rec.SpeedMph()
		hours[i] = rec.Pickup.Hour()
		days[i] = rec.Pickup.Weekday().String()
		dates[i] = rec.Pickup.Format(DateLayout)
		tipPcts[i] = tipPct(rec.Tip, rec.Fare)
	}

	out := df.Mutate(series.New(durations, series.Float, ColDurationMinutes)).
		Mutate(series.New(speeds, series.Float, ColSpeedMph)).
		Mutate(series.New(hours, series.Int, ColPickupHour)).
		Mutate(series.New(days, series.String, ColPickupDay)).
		Mutate(series.New(dates, series.String, ColPickupDate)).
		Mutate(series.New(tipPcts, series.Float, ColTipPct))
	if out.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("append derived columns: %w", out.Err)
	}
	return out, nil
}

func checkInvariants(rec TripRecord) error {
	switch {
	case !rec.HasPickup || !rec.HasDropoff:
		return fmt.Errorf("%w: row %d has unparseable timestamps", ErrInvariantViolation, rec.Index)
	case !rec.Dropoff.After(rec.Pickup):
		return fmt.Errorf("%w: row %d has non-positive duration", ErrInvariantViolation, rec.Index)
	case !(rec.Distance > 0):
		return fmt.Errorf("%w: row %d has non-positive distance", ErrInvariantViolation, rec.Index)
	}
	if speed := rec.SpeedMph(); math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("%w: row %d has non-finite speed", ErrInvariantViolation, rec.Index)
	}
	return nil
}

func tipPct(tip, fare float64) float64 {
	if !(fare > 0) || math.IsNaN(tip) {
		return 0
	}
	return tip / fare * 100
}
