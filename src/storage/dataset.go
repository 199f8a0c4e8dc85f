package storage

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/parquet-go/parquet-go"

	"taxiquality/src/processor"
	"taxiquality/src/utils"
)

// TripRow 清洗并派生后的一行，对应输出 Parquet 文件的模式
type TripRow struct {
	VendorID             *int32    `parquet:"VendorID,optional"`
	PickupDatetime       time.Time `parquet:"tpep_pickup_datetime,timestamp(microsecond)"`
	DropoffDatetime      time.Time `parquet:"tpep_dropoff_datetime,timestamp(microsecond)"`
	PassengerCount       *float64  `parquet:"passenger_count,optional"`
	TripDistance         float64   `parquet:"trip_distance"`
	RatecodeID           *float64  `parquet:"RatecodeID,optional"`
	StoreAndFwdFlag      *string   `parquet:"store_and_fwd_flag,optional"`
	PULocationID         *int32    `parquet:"PULocationID,optional"`
	DOLocationID         *int32    `parquet:"DOLocationID,optional"`
	PaymentType          *int64    `parquet:"payment_type,optional"`
	FareAmount           *float64  `parquet:"fare_amount,optional"`
	Extra                *float64  `parquet:"extra,optional"`
	MTATax               *float64  `parquet:"mta_tax,optional"`
	TipAmount            *float64  `parquet:"tip_amount,optional"`
	TollsAmount          *float64  `parquet:"tolls_amount,optional"`
	ImprovementSurcharge *float64  `parquet:"improvement_surcharge,optional"`
	TotalAmount          *float64  `parquet:"total_amount,optional"`
	CongestionSurcharge  *float64  `parquet:"congestion_surcharge,optional"`
	AirportFee           *float64  `parquet:"airport_fee,optional"`
	TripDurationMinutes  float64   `parquet:"trip_duration_minutes"`
	TripSpeedMph         float64   `parquet:"trip_speed_mph"`
	PickupHour           int32     `parquet:"pickup_hour"`
	PickupDayOfWeek      string    `parquet:"pickup_day_of_week"`
	PickupDate           string    `parquet:"pickup_date"`
	TipPct               float64   `parquet:"tip_pct"`
}

// fieldSpec 一列在 DataFrame 与 TripRow 之间的映射
type fieldSpec struct {
	name string
	typ  series.Type
	get  func(*TripRow) string // 缺失返回 "NaN"
	set  func(*TripRow, series.Element)
}

const na = "NaN"

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func optFloat(name string, field func(*TripRow) **float64) fieldSpec {
	return fieldSpec{
		name: name,
		typ:  series.Float,
		get: func(r *TripRow) string {
			if p := *field(r); p != nil {
				return fmtFloat(*p)
			}
			return na
		},
		set: func(r *TripRow, e series.Element) {
			if v := utils.Float(e); !math.IsNaN(v) {
				*field(r) = &v
			}
		},
	}
}

func optInt32(name string, field func(*TripRow) **int32) fieldSpec {
	return fieldSpec{
		name: name,
		typ:  series.Int,
		get: func(r *TripRow) string {
			if p := *field(r); p != nil {
				return strconv.Itoa(int(*p))
			}
			return na
		},
		set: func(r *TripRow, e series.Element) {
			if v := utils.Float(e); !math.IsNaN(v) {
				i := int32(v)
				*field(r) = &i
			}
		},
	}
}

func timeField(name string, field func(*TripRow) *time.Time) fieldSpec {
	return fieldSpec{
		name: name,
		typ:  series.String,
		get:  func(r *TripRow) string { return field(r).Format(utils.TimeLayout) },
		set: func(r *TripRow, e series.Element) {
			if t, ok := utils.ParseTime(e); ok {
				*field(r) = t
			}
		},
	}
}

func floatField(name string, field func(*TripRow) *float64) fieldSpec {
	return fieldSpec{
		name: name,
		typ:  series.Float,
		get:  func(r *TripRow) string { return fmtFloat(*field(r)) },
		set:  func(r *TripRow, e series.Element) { *field(r) = utils.Float(e) },
	}
}

func stringField(name string, field func(*TripRow) *string) fieldSpec {
	return fieldSpec{
		name: name,
		typ:  series.String,
		get:  func(r *TripRow) string { return *field(r) },
		set:  func(r *TripRow, e series.Element) { *field(r) = e.String() },
	}
}

var tripFields = []fieldSpec{
	optInt32(processor.ColVendorID, func(r *TripRow) **int32 { return &r.VendorID }),
	timeField(processor.ColPickup, func(r *TripRow) *time.Time { return &r.PickupDatetime }),
	timeField(processor.ColDropoff, func(r *TripRow) *time.Time { return &r.DropoffDatetime }),
	optFloat(processor.ColPassengers, func(r *TripRow) **float64 { return &r.PassengerCount }),
	floatField(processor.ColDistance, func(r *TripRow) *float64 { return &r.TripDistance }),
	optFloat(processor.ColRatecode, func(r *TripRow) **float64 { return &r.RatecodeID }),
	{
		name: processor.ColStoreFwd,
		typ:  series.String,
		get: func(r *TripRow) string {
			if r.StoreAndFwdFlag != nil {
				return *r.StoreAndFwdFlag
			}
			return na
		},
		set: func(r *TripRow, e series.Element) {
			if !utils.IsMissing(e) {
				s := e.String()
				r.StoreAndFwdFlag = &s
			}
		},
	},
	optInt32(processor.ColPULocation, func(r *TripRow) **int32 { return &r.PULocationID }),
	optInt32(processor.ColDOLocation, func(r *TripRow) **int32 { return &r.DOLocationID }),
	{
		name: processor.ColPaymentType,
		typ:  series.Int,
		get: func(r *TripRow) string {
			if r.PaymentType != nil {
				return strconv.FormatInt(*r.PaymentType, 10)
			}
			return na
		},
		set: func(r *TripRow, e series.Element) {
			if v := utils.Float(e); !math.IsNaN(v) {
				i := int64(v)
				r.PaymentType = &i
			}
		},
	},
	optFloat(processor.ColFare, func(r *TripRow) **float64 { return &r.FareAmount }),
	optFloat(processor.ColExtra, func(r *TripRow) **float64 { return &r.Extra }),
	optFloat(processor.ColMTATax, func(r *TripRow) **float64 { return &r.MTATax }),
	optFloat(processor.ColTip, func(r *TripRow) **float64 { return &r.TipAmount }),
	optFloat(processor.ColTolls, func(r *TripRow) **float64 { return &r.TollsAmount }),
	optFloat(processor.ColImprovement, func(r *TripRow) **float64 { return &r.ImprovementSurcharge }),
	optFloat(processor.ColTotal, func(r *TripRow) **float64 { return &r.TotalAmount }),
	optFloat(processor.ColCongestion, func(r *TripRow) **float64 { return &r.CongestionSurcharge }),
	optFloat(processor.ColAirportFee, func(r *TripRow) **float64 { return &r.AirportFee }),
	floatField(processor.ColDurationMinutes, func(r *TripRow) *float64 { return &r.TripDurationMinutes }),
	floatField(processor.ColSpeedMph, func(r *TripRow) *float64 { return &r.TripSpeedMph }),
	{
		name: processor.ColPickupHour,
		typ:  series.Int,
		get:  func(r *TripRow) string { return strconv.Itoa(int(r.PickupHour)) },
		set: func(r *TripRow, e series.Element) {
			if v, err := e.Int(); err == nil {
				r.PickupHour = int32(v)
			}
		},
	},
	stringField(processor.ColPickupDay, func(r *TripRow) *string { return &r.PickupDayOfWeek }),
	stringField(processor.ColPickupDate, func(r *TripRow) *string { return &r.PickupDate }),
	floatField(processor.ColTipPct, func(r *TripRow) *float64 { return &r.TipPct }),
}

// TripRows 把清洗后的 DataFrame 转为行结构，缺少的可选列写为空
func TripRows(df dataframe.DataFrame) ([]TripRow, error) {
	for _, col := range []string{processor.ColPickup, processor.ColDropoff, processor.ColDurationMinutes} {
		if !utils.HasColumn(df, col) {
			return nil, fmt.Errorf("dataset has no %s column", col)
		}
	}

	rows := make([]TripRow, df.Nrow())
	for _, f := range tripFields {
		if !utils.HasColumn(df, f.name) {
			continue
		}
		col := df.Col(f.name)
		for i := range rows {
			f.set(&rows[i], col.Elem(i))
		}
	}
	return rows, nil
}

// TripFrame 行结构转回 DataFrame
func TripFrame(rows []TripRow) dataframe.DataFrame {
	cols := make([]series.Series, len(tripFields))
	for j, f := range tripFields {
		vals := make([]string, len(rows))
		for i := range rows {
			vals[i] = f.get(&rows[i])
		}
		cols[j] = series.New(vals, f.typ, f.name)
	}
	return dataframe.New(cols...)
}

// WriteTrips 将数据集编码为 Parquet 写入 w
func WriteTrips(w io.Writer, df dataframe.DataFrame) error {
	rows, err := TripRows(df)
	if err != nil {
		return err
	}
	if err := parquet.Write(w, rows); err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}
	return nil
}

// WriteParquet 写入单个 Parquet 文件(先写临时文件再改名)
func WriteParquet(path string, df dataframe.DataFrame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteTrips(tmp, df); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("保存Parquet文件失败: %w", err)
	}
	return nil
}

// ReadParquet 读取 WriteParquet 写出的文件
func ReadParquet(path string) (dataframe.DataFrame, error) {
	rows, err := parquet.ReadFile[TripRow](path)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("读取Parquet文件失败: %w", err)
	}
	return TripFrame(rows), nil
}
