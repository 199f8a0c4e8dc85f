package processor

// 原始行程标准列名(NYC TLC 黄色出租车)
const (
	ColVendorID    = "VendorID"
	ColPickup      = "tpep_pickup_datetime"
	ColDropoff     = "tpep_dropoff_datetime"
	ColPassengers  = "passenger_count"
	ColDistance    = "trip_distance"
	ColRatecode    = "RatecodeID"
	ColStoreFwd    = "store_and_fwd_flag"
	ColPULocation  = "PULocationID"
	ColDOLocation  = "DOLocationID"
	ColPaymentType = "payment_type"
	ColFare        = "fare_amount"
	ColExtra       = "extra"
	ColMTATax      = "mta_tax"
	ColTip         = "tip_amount"
	ColTolls       = "tolls_amount"
	ColImprovement = "improvement_surcharge"
	ColTotal       = "total_amount"
	ColCongestion  = "congestion_surcharge"
	ColAirportFee  = "airport_fee"
)

// 派生列
const (
	ColDurationMinutes = "trip_duration_minutes"
	ColSpeedMph        = "trip_speed_mph"
	ColPickupHour      = "pickup_hour"
	ColPickupDay       = "pickup_day_of_week"
	ColPickupDate      = "pickup_date"
	ColTipPct          = "tip_pct"
)

// DateLayout pickup_date 列的格式
const DateLayout = "2006-01-02"

// ColumnType 列的逻辑类型
type ColumnType int

const (
	Timestamp ColumnType = iota
	Numeric
	String
)

func (t ColumnType) String() string {
	switch t {
	case Timestamp:
		return "timestamp"
	case Numeric:
		return "numeric"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// RequiredColumn 必需列及其期望类型
type RequiredColumn struct {
	Name string
	Type ColumnType
}

// Schema 有序的必需列列表
type Schema []RequiredColumn

// Names 列名列表
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// merge 按顺序合并，重名列保留第一次出现的定义
func (s Schema) merge(cols ...RequiredColumn) Schema {
	out := s
	for _, c := range cols {
		dup := false
		for _, existing := range out {
			if existing.Name == c.Name {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}
