package processor

import (
	"math"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"taxiquality/src/utils"
)

// TripRecord 清洗规则所需的单行视图，缺失的数值为 NaN
type TripRecord struct {
	Index      int
	Pickup     time.Time
	Dropoff    time.Time
	HasPickup  bool
	HasDropoff bool
	Distance   float64
	Fare       float64
	Total      float64
	Tip        float64
	Passengers float64
	PULocation float64
	DOLocation float64
}

// DurationMinutes 行程时长(分钟)
func (r TripRecord) DurationMinutes() float64 {
	return r.Dropoff.Sub(r.Pickup).Minutes()
}

// SpeedMph 平均速度，时长非正时为 NaN
func (r TripRecord) SpeedMph() float64 {
	minutes := r.DurationMinutes()
	if minutes <= 0 {
		return math.NaN()
	}
	return r.Distance / (minutes / 60)
}

// recordReader 按行读取 DataFrame，不存在的列读为缺失
type recordReader struct {
	pickup, dropoff                    *series.Series
	distance, fare, total, tip         *series.Series
	passengers, puLocation, doLocation *series.Series
}

func newRecordReader(df dataframe.DataFrame) *recordReader {
	col := func(name string) *series.Series {
		if !utils.HasColumn(df, name) {
			return nil
		}
		s := df.Col(name)
		return &s
	}
	return &recordReader{
		pickup:     col(ColPickup),
		dropoff:    col(ColDropoff),
		distance:   col(ColDistance),
		fare:       col(ColFare),
		total:      col(ColTotal),
		tip:        col(ColTip),
		passengers: col(ColPassengers),
		puLocation: col(ColPULocation),
		doLocation: col(ColDOLocation),
	}
}

func (rr *recordReader) at(i int) TripRecord {
	rec := TripRecord{Index: i}
	if rr.pickup != nil {
		rec.Pickup, rec.HasPickup = utils.ParseTime(rr.pickup.Elem(i))
	}
	if rr.dropoff != nil {
		rec.Dropoff, rec.HasDropoff = utils.ParseTime(rr.dropoff.Elem(i))
	}
	rec.Distance = floatAt(rr.distance, i)
	rec.Fare = floatAt(rr.fare, i)
	rec.Total = floatAt(rr.total, i)
	rec.Tip = floatAt(rr.tip, i)
	rec.Passengers = floatAt(rr.passengers, i)
	rec.PULocation = floatAt(rr.puLocation, i)
	rec.DOLocation = floatAt(rr.doLocation, i)
	return rec
}

func floatAt(s *series.Series, i int) float64 {
	if s == nil {
		return math.NaN()
	}
	return utils.Float(s.Elem(i))
}
