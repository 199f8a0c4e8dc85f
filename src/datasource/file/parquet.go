// parquet.go
package file

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/parquet-go/parquet-go"

	"taxiquality/src/processor"
	"taxiquality/src/utils"
)

// RawTripRow TLC 发布的黄色出租车月度文件的一行，所有列都可能为空
type RawTripRow struct {
	VendorID             *int32     `parquet:"VendorID,optional"`
	PickupDatetime       *time.Time `parquet:"tpep_pickup_datetime,optional,timestamp(microsecond)"`
	DropoffDatetime      *time.Time `parquet:"tpep_dropoff_datetime,optional,timestamp(microsecond)"`
	PassengerCount       *int64     `parquet:"passenger_count,optional"`
	TripDistance         *float64   `parquet:"trip_distance,optional"`
	RatecodeID           *int64     `parquet:"RatecodeID,optional"`
	StoreAndFwdFlag      *string    `parquet:"store_and_fwd_flag,optional"`
	PULocationID         *int32     `parquet:"PULocationID,optional"`
	DOLocationID         *int32     `parquet:"DOLocationID,optional"`
	PaymentType          *int64     `parquet:"payment_type,optional"`
	FareAmount           *float64   `parquet:"fare_amount,optional"`
	Extra                *float64   `parquet:"extra,optional"`
	MTATax               *float64   `parquet:"mta_tax,optional"`
	TipAmount            *float64   `parquet:"tip_amount,optional"`
	TollsAmount          *float64   `parquet:"tolls_amount,optional"`
	ImprovementSurcharge *float64   `parquet:"improvement_surcharge,optional"`
	TotalAmount          *float64   `parquet:"total_amount,optional"`
	CongestionSurcharge  *float64   `parquet:"congestion_surcharge,optional"`
	AirportFee           *float64   `parquet:"Airport_fee,optional"`
}

// 原始行程列的顺序与 TLC 发布文件一致
var rawColumns = []struct {
	name  string
	typ   series.Type
	value func(*RawTripRow) string
}{
	{processor.ColVendorID, series.Int, func(r *RawTripRow) string { return int32Str(r.VendorID) }},
	{processor.ColPickup, series.String, func(r *RawTripRow) string { return timeStr(r.PickupDatetime) }},
	{processor.ColDropoff, series.String, func(r *RawTripRow) string { return timeStr(r.DropoffDatetime) }},
	{processor.ColPassengers, series.Float, func(r *RawTripRow) string { return int64Str(r.PassengerCount) }},
	{processor.ColDistance, series.Float, func(r *RawTripRow) string { return floatStr(r.TripDistance) }},
	{processor.ColRatecode, series.Float, func(r *RawTripRow) string { return int64Str(r.RatecodeID) }},
	{processor.ColStoreFwd, series.String, func(r *RawTripRow) string {
		if r.StoreAndFwdFlag == nil {
			return "NaN"
		}
		return *r.StoreAndFwdFlag
	}},
	{processor.ColPULocation, series.Int, func(r *RawTripRow) string { return int32Str(r.PULocationID) }},
	{processor.ColDOLocation, series.Int, func(r *RawTripRow) string { return int32Str(r.DOLocationID) }},
	{processor.ColPaymentType, series.Int, func(r *RawTripRow) string { return int64Str(r.PaymentType) }},
	{processor.ColFare, series.Float, func(r *RawTripRow) string { return floatStr(r.FareAmount) }},
	{processor.ColExtra, series.Float, func(r *RawTripRow) string { return floatStr(r.Extra) }},
	{processor.ColMTATax, series.Float, func(r *RawTripRow) string { return floatStr(r.MTATax) }},
	{processor.ColTip, series.Float, func(r *RawTripRow) string { return floatStr(r.TipAmount) }},
	{processor.ColTolls, series.Float, func(r *RawTripRow) string { return floatStr(r.TollsAmount) }},
	{processor.ColImprovement, series.Float, func(r *RawTripRow) string { return floatStr(r.ImprovementSurcharge) }},
	{processor.ColTotal, series.Float, func(r *RawTripRow) string { return floatStr(r.TotalAmount) }},
	{processor.ColCongestion, series.Float, func(r *RawTripRow) string { return floatStr(r.CongestionSurcharge) }},
	{processor.ColAirportFee, series.Float, func(r *RawTripRow) string { return floatStr(r.AirportFee) }},
}

func int32Str(p *int32) string {
	if p == nil {
		return "NaN"
	}
	return strconv.Itoa(int(*p))
}

func int64Str(p *int64) string {
	if p == nil {
		return "NaN"
	}
	return strconv.FormatInt(*p, 10)
}

func floatStr(p *float64) string {
	if p == nil {
		return "NaN"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func timeStr(p *time.Time) string {
	if p == nil {
		return "NaN"
	}
	return p.UTC().Format(utils.TimeLayout)
}

// RawFrame 原始行转为 DataFrame，时间列为 TimeLayout 字符串
func RawFrame(rows []RawTripRow) dataframe.DataFrame {
	cols := make([]series.Series, len(rawColumns))
	for j, c := range rawColumns {
		vals := make([]string, len(rows))
		for i := range rows {
			vals[i] = c.value(&rows[i])
		}
		cols[j] = series.New(vals, c.typ, c.name)
	}
	return dataframe.New(cols...)
}

func readRawParquet(path string) (dataframe.DataFrame, error) {
	rows, err := parquet.ReadFile[RawTripRow](path)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("读取Parquet文件失败: %w", err)
	}
	return RawFrame(rows), nil
}
