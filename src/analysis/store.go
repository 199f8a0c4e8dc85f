package analysis

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	_ "modernc.org/sqlite"

	"taxiquality/src/processor"
	"taxiquality/src/utils"
)

//go:embed schema.sql
var schemaSQL string

// Store 清洗结果的分析库
type Store struct {
	db       *sql.DB
	writeMu  sync.Mutex
	payments map[int]string
}

// Open 打开分析库，path 为空或 ":memory:" 时使用内存库
func Open(path string) (*Store, error) {
	memory := path == "" || path == ":memory:"
	dsn := ":memory:"
	if !memory {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 内存库每个连接各自独立，只能保留一个连接
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, payments: map[int]string{}}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 数据库连通性检查
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetPaymentNames 设置支付方式编码表，下一次 Load 时写入
func (s *Store) SetPaymentNames(names map[string]string) error {
	payments := make(map[int]string, len(names))
	for code, name := range names {
		c, err := strconv.Atoi(code)
		if err != nil {
			return fmt.Errorf("invalid payment type code %q: %w", code, err)
		}
		payments[c] = name
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.payments = payments
	return nil
}

// Load 用清洗后的数据集与区域表替换库中内容，整体在一个事务内
func (s *Store) Load(ctx context.Context, trips, zones dataframe.DataFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, col := range []string{processor.ColPickup, processor.ColPickupDate, processor.ColPickupHour} {
		if !utils.HasColumn(trips, col) {
			return fmt.Errorf("dataset has no %s column", col)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"trips", "zones", "payment_types"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := insertTrips(ctx, tx, trips); err != nil {
		return err
	}
	if err := insertZones(ctx, tx, zones); err != nil {
		return err
	}
	for code, name := range s.payments {
		if _, err := tx.ExecContext(ctx, "INSERT INTO payment_types (code, name) VALUES (?, ?)", code, name); err != nil {
			return fmt.Errorf("failed to insert payment type: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func insertTrips(ctx context.Context, tx *sql.Tx, df dataframe.DataFrame) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trips (
			pickup_datetime, dropoff_datetime, pickup_date, pickup_hour, pickup_day_of_week,
			pu_location_id, do_location_id, payment_type, passenger_count, trip_distance,
			fare_amount, tip_amount, total_amount, trip_duration_minutes, trip_speed_mph, tip_pct
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare trips statement: %w", err)
	}
	defer stmt.Close()

	col := func(name string) *series.Series {
		if !utils.HasColumn(df, name) {
			return nil
		}
		s := df.Col(name)
		return &s
	}
	var (
		pickup    = col(processor.ColPickup)
		dropoff   = col(processor.ColDropoff)
		date      = col(processor.ColPickupDate)
		hour      = col(processor.ColPickupHour)
		day       = col(processor.ColPickupDay)
		pu        = col(processor.ColPULocation)
		do        = col(processor.ColDOLocation)
		payment   = col(processor.ColPaymentType)
		passenger = col(processor.ColPassengers)
		distance  = col(processor.ColDistance)
		fare      = col(processor.ColFare)
		tip       = col(processor.ColTip)
		total     = col(processor.ColTotal)
		duration  = col(processor.ColDurationMinutes)
		speed     = col(processor.ColSpeedMph)
		tipPct    = col(processor.ColTipPct)
	)

	for i := 0; i < df.Nrow(); i++ {
		_, err := stmt.ExecContext(ctx,
			timeText(pickup, i), timeText(dropoff, i), text(date, i), intValue(hour, i), text(day, i),
			intValue(pu, i), intValue(do, i), intValue(payment, i), floatValue(passenger, i), floatValue(distance, i),
			floatValue(fare, i), floatValue(tip, i), floatValue(total, i), floatValue(duration, i), floatValue(speed, i), floatValue(tipPct, i),
		)
		if err != nil {
			return fmt.Errorf("failed to insert trip row %d: %w", i, err)
		}
	}
	return nil
}

func insertZones(ctx context.Context, tx *sql.Tx, df dataframe.DataFrame) error {
	if df.Nrow() == 0 || !utils.HasColumn(df, "LocationID") {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO zones (location_id, borough, zone, service_zone) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare zones statement: %w", err)
	}
	defer stmt.Close()

	col := func(name string) *series.Series {
		if !utils.HasColumn(df, name) {
			return nil
		}
		s := df.Col(name)
		return &s
	}
	id, borough, zone, service := col("LocationID"), col("Borough"), col("Zone"), col("service_zone")
	for i := 0; i < df.Nrow(); i++ {
		if _, err := stmt.ExecContext(ctx, intValue(id, i), text(borough, i), text(zone, i), text(service, i)); err != nil {
			return fmt.Errorf("failed to insert zone row %d: %w", i, err)
		}
	}
	return nil
}

// 以下辅助函数把缺失值转为 NULL

func text(s *series.Series, i int) interface{} {
	if s == nil || utils.IsMissing(s.Elem(i)) {
		return nil
	}
	return s.Elem(i).String()
}

func timeText(s *series.Series, i int) interface{} {
	if s == nil {
		return nil
	}
	t, ok := utils.ParseTime(s.Elem(i))
	if !ok {
		return nil
	}
	return t.Format(utils.TimeLayout)
}

func floatValue(s *series.Series, i int) interface{} {
	if s == nil {
		return nil
	}
	v := utils.Float(s.Elem(i))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func intValue(s *series.Series, i int) interface{} {
	v, ok := floatValue(s, i).(float64)
	if !ok {
		return nil
	}
	return int64(v)
}
