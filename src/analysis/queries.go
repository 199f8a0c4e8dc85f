package analysis

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// HourRange 闭区间 [Min, Max]
type HourRange struct {
	Min int
	Max int
}

// Filter 看板筛选条件，零值表示不筛选
type Filter struct {
	StartDate    string     // YYYY-MM-DD，含当天
	EndDate      string     // YYYY-MM-DD，含当天
	Hours        *HourRange // nil 表示全部小时
	PaymentTypes []string   // 支付方式名称，空表示全部
}

// Validate 检查日期格式与小时范围
func (f Filter) Validate() error {
	for _, d := range []string{f.StartDate, f.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid date %q", d)
		}
	}
	if f.StartDate != "" && f.EndDate != "" && f.EndDate < f.StartDate {
		return fmt.Errorf("end date %s is before start date %s", f.EndDate, f.StartDate)
	}
	if h := f.Hours; h != nil {
		if h.Min < 0 || h.Max > 23 || h.Min > h.Max {
			return fmt.Errorf("invalid hour range %d-%d", h.Min, h.Max)
		}
	}
	return nil
}

// where 生成 WHERE 子句，表别名 t(trips) 与 p(payment_types)
func (f Filter) where() (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.StartDate != "" {
		conds = append(conds, "t.pickup_date >= ?")
		args = append(args, f.StartDate)
	}
	if f.EndDate != "" {
		conds = append(conds, "t.pickup_date <= ?")
		args = append(args, f.EndDate)
	}
	if f.Hours != nil {
		conds = append(conds, "t.pickup_hour BETWEEN ? AND ?")
		args = append(args, f.Hours.Min, f.Hours.Max)
	}
	if len(f.PaymentTypes) > 0 {
		marks := make([]string, len(f.PaymentTypes))
		for i, name := range f.PaymentTypes {
			marks[i] = "?"
			args = append(args, name)
		}
		conds = append(conds, paymentName+" IN ("+strings.Join(marks, ", ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const (
	paymentName = "COALESCE(p.name, 'Other')"
	fromTrips   = " FROM trips t LEFT JOIN payment_types p ON p.code = t.payment_type"
)

// Weekdays 热力图的行顺序
var Weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

type ZoneCount struct {
	LocationID int    `json:"location_id"`
	Borough    string `json:"borough"`
	Zone       string `json:"zone"`
	Trips      int    `json:"trips"`
}

type HourlyFare struct {
	Hour    int     `json:"hour"`
	AvgFare float64 `json:"avg_fare"`
	Trips   int     `json:"trips"`
}

type Bin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

type Histogram struct {
	MaxMiles float64 `json:"max_miles"`
	BinWidth float64 `json:"bin_width"`
	Bins     []Bin   `json:"bins"`
	Count    int     `json:"count"`
	Median   float64 `json:"median"`
}

type PaymentShare struct {
	Name  string  `json:"name"`
	Trips int     `json:"trips"`
	Share float64 `json:"share"`
}

type Heatmap struct {
	Days   []string   `json:"days"`
	Hours  []int      `json:"hours"`
	Counts [7][24]int `json:"counts"`
}

type Metrics struct {
	TotalTrips  int     `json:"total_trips"`
	AvgFare     float64 `json:"avg_fare"`
	Revenue     float64 `json:"revenue"`
	AvgDistance float64 `json:"avg_distance"`
	AvgDuration float64 `json:"avg_duration"`
	FirstDate   string  `json:"first_date"`
	LastDate    string  `json:"last_date"`
}

type FilterOptions struct {
	MinDate      string   `json:"min_date"`
	MaxDate      string   `json:"max_date"`
	PaymentTypes []string `json:"payment_types"`
}

// TopPickupZones 上车次数最多的区域
func (s *Store) TopPickupZones(ctx context.Context, f Filter, limit int) ([]ZoneCount, error) {
	if limit <= 0 {
		limit = 10
	}
	where, args := f.where()
	query := `SELECT t.pu_location_id, COALESCE(z.borough, 'Unknown'), COALESCE(z.zone, 'Unknown'), COUNT(*) AS trips` +
		fromTrips +
		` LEFT JOIN zones z ON z.location_id = t.pu_location_id` +
		where +
		` GROUP BY t.pu_location_id ORDER BY trips DESC, t.pu_location_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top zones: %w", err)
	}
	defer rows.Close()

	zones := make([]ZoneCount, 0, limit)
	for rows.Next() {
		var (
			z  ZoneCount
			id sql.NullInt64
		)
		if err := rows.Scan(&id, &z.Borough, &z.Zone, &z.Trips); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		z.LocationID = int(id.Int64)
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// AverageFareByHour 各上车小时的平均车费
func (s *Store) AverageFareByHour(ctx context.Context, f Filter) ([]HourlyFare, error) {
	where, args := f.where()
	query := `SELECT t.pickup_hour, AVG(t.fare_amount), COUNT(*)` + fromTrips + where +
		` GROUP BY t.pickup_hour ORDER BY t.pickup_hour`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fare by hour: %w", err)
	}
	defer rows.Close()

	var out []HourlyFare
	for rows.Next() {
		var (
			h   HourlyFare
			avg sql.NullFloat64
		)
		if err := rows.Scan(&h.Hour, &avg, &h.Trips); err != nil {
			return nil, fmt.Errorf("failed to scan fare by hour: %w", err)
		}
		h.AvgFare = avg.Float64
		out = append(out, h)
	}
	return out, rows.Err()
}

// DistanceHistogram 不超过 maxMiles 的行程距离分布与中位数
func (s *Store) DistanceHistogram(ctx context.Context, f Filter, maxMiles float64, bins int) (*Histogram, error) {
	if maxMiles <= 0 || bins <= 0 {
		return nil, fmt.Errorf("invalid histogram range %v/%d", maxMiles, bins)
	}
	where, args := f.where()
	if where == "" {
		where = " WHERE t.trip_distance <= ?"
	} else {
		where += " AND t.trip_distance <= ?"
	}
	args = append(args, maxMiles)

	hist := &Histogram{MaxMiles: maxMiles, BinWidth: maxMiles / float64(bins), Bins: make([]Bin, bins)}
	for i := range hist.Bins {
		hist.Bins[i].Lower = float64(i) * hist.BinWidth
		hist.Bins[i].Upper = float64(i+1) * hist.BinWidth
	}

	query := `SELECT MIN(CAST(t.trip_distance / ? AS INTEGER), ?) AS bin, COUNT(*)` + fromTrips + where + ` GROUP BY bin`
	rows, err := s.db.QueryContext(ctx, query, append([]interface{}{hist.BinWidth, bins - 1}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distance histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bin, count int
		if err := rows.Scan(&bin, &count); err != nil {
			return nil, fmt.Errorf("failed to scan histogram bin: %w", err)
		}
		hist.Bins[bin].Count = count
		hist.Count += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if hist.Count > 0 {
		hist.Median, err = s.median(ctx, where, args, hist.Count)
		if err != nil {
			return nil, err
		}
	}
	return hist, nil
}

// median 有序取中间一到两个值
func (s *Store) median(ctx context.Context, where string, args []interface{}, n int) (float64, error) {
	limit := 2 - n%2
	query := `SELECT t.trip_distance` + fromTrips + where + ` ORDER BY t.trip_distance LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, (n-1)/2)...)
	if err != nil {
		return 0, fmt.Errorf("failed to query median: %w", err)
	}
	defer rows.Close()

	var sum float64
	var got int
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return 0, fmt.Errorf("failed to scan median: %w", err)
		}
		sum += v
		got++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if got == 0 {
		return 0, nil
	}
	return sum / float64(got), nil
}

// PaymentBreakdown 各支付方式的行程数与占比
func (s *Store) PaymentBreakdown(ctx context.Context, f Filter) ([]PaymentShare, error) {
	where, args := f.where()
	query := `SELECT ` + paymentName + ` AS name, COUNT(*) AS trips` + fromTrips + where +
		` GROUP BY name ORDER BY trips DESC, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment breakdown: %w", err)
	}
	defer rows.Close()

	var (
		out   []PaymentShare
		total int
	)
	for rows.Next() {
		var p PaymentShare
		if err := rows.Scan(&p.Name, &p.Trips); err != nil {
			return nil, fmt.Errorf("failed to scan payment share: %w", err)
		}
		total += p.Trips
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Share = float64(out[i].Trips) / float64(total)
	}
	return out, nil
}

// DayHourHeatmap 星期 x 小时的行程数，周一在前
func (s *Store) DayHourHeatmap(ctx context.Context, f Filter) (*Heatmap, error) {
	where, args := f.where()
	query := `SELECT t.pickup_day_of_week, t.pickup_hour, COUNT(*)` + fromTrips + where +
		` GROUP BY t.pickup_day_of_week, t.pickup_hour`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query heatmap: %w", err)
	}
	defer rows.Close()

	hm := &Heatmap{Days: Weekdays, Hours: make([]int, 24)}
	for h := range hm.Hours {
		hm.Hours[h] = h
	}
	dayIndex := make(map[string]int, len(Weekdays))
	for i, d := range Weekdays {
		dayIndex[d] = i
	}

	for rows.Next() {
		var (
			day         string
			hour, count int
		)
		if err := rows.Scan(&day, &hour, &count); err != nil {
			return nil, fmt.Errorf("failed to scan heatmap cell: %w", err)
		}
		d, ok := dayIndex[day]
		if !ok || hour < 0 || hour > 23 {
			continue
		}
		hm.Counts[d][hour] += count
	}
	return hm, rows.Err()
}

// Metrics 看板顶部的汇总指标
func (s *Store) Metrics(ctx context.Context, f Filter) (*Metrics, error) {
	where, args := f.where()
	query := `SELECT COUNT(*), AVG(t.fare_amount), SUM(t.total_amount), AVG(t.trip_distance),
		AVG(t.trip_duration_minutes), MIN(t.pickup_date), MAX(t.pickup_date)` + fromTrips + where

	var (
		m                         Metrics
		avgFare, revenue, avgDist sql.NullFloat64
		avgDuration               sql.NullFloat64
		firstDate, lastDate       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&m.TotalTrips, &avgFare, &revenue, &avgDist, &avgDuration, &firstDate, &lastDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	m.AvgFare = avgFare.Float64
	m.Revenue = revenue.Float64
	m.AvgDistance = avgDist.Float64
	m.AvgDuration = avgDuration.Float64
	m.FirstDate = firstDate.String
	m.LastDate = lastDate.String
	return &m, nil
}

// FilterOptions 筛选控件的可选范围，不受筛选条件影响
func (s *Store) FilterOptions(ctx context.Context) (*FilterOptions, error) {
	var (
		opts   FilterOptions
		lo, hi sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT MIN(pickup_date), MAX(pickup_date) FROM trips`).Scan(&lo, &hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query date range: %w", err)
	}
	opts.MinDate, opts.MaxDate = lo.String, hi.String

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT `+paymentName+` AS name`+fromTrips+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment types: %w", err)
	}
	defer rows.Close()

	opts.PaymentTypes = []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan payment type: %w", err)
		}
		opts.PaymentTypes = append(opts.PaymentTypes, name)
	}
	return &opts, rows.Err()
}
