package processor

import (
	"fmt"
	"math"
	"time"

	"taxiquality/src/config"
)

// 规则名，同时是剔除报告的键
const (
	RuleMissingDatetime      = "missing_datetime"
	RuleNonPositiveDuration  = "non_positive_duration"
	RuleNonPositiveDistance  = "non_positive_distance"
	RuleMissingRequiredField = "missing_required_field"
	RuleOutsidePeriod        = "outside_period"
	RuleFareOutOfRange       = "fare_out_of_range"
	RuleNonPositiveTotal     = "non_positive_total"
	RuleDistanceTooLong      = "distance_too_long"
	RuleDurationOutOfRange   = "duration_out_of_range"
	RulePassengerOutOfRange  = "passenger_count_out_of_range"
	RuleImplausibleSpeed     = "implausible_speed"
)

// Rule 一条行级谓词，Keep 返回 false 的行被剔除
type Rule struct {
	Name    string
	Columns []RequiredColumn
	Keep    func(TripRecord) bool
}

// RuleSet 有序规则列表，行被记到第一条不满足的规则上
type RuleSet []Rule

var (
	pickupCol   = RequiredColumn{Name: ColPickup, Type: Timestamp}
	dropoffCol  = RequiredColumn{Name: ColDropoff, Type: Timestamp}
	distanceCol = RequiredColumn{Name: ColDistance, Type: Numeric}
)

// CoreRules 固定顺序的三条基础规则
func CoreRules() RuleSet {
	return RuleSet{
		{
			Name:    RuleMissingDatetime,
			Columns: []RequiredColumn{pickupCol, dropoffCol},
			Keep: func(r TripRecord) bool {
				return r.HasPickup && r.HasDropoff
			},
		},
		{
			Name:    RuleNonPositiveDuration,
			Columns: []RequiredColumn{pickupCol, dropoffCol},
			Keep: func(r TripRecord) bool {
				return r.Dropoff.After(r.Pickup)
			},
		},
		{
			Name:    RuleNonPositiveDistance,
			Columns: []RequiredColumn{distanceCol},
			// 距离须为有限正数，且算出的车速有限(极短时长或超大距离会溢出)
			Keep: func(r TripRecord) bool {
				if !(r.Distance > 0) || math.IsInf(r.Distance, 1) {
					return false
				}
				s := r.SpeedMph()
				return !math.IsNaN(s) && !math.IsInf(s, 0)
			},
		},
	}
}

// NewRuleSet 基础规则之后按配置追加附加规则
func NewRuleSet(cfg config.RuleConfig) (RuleSet, error) {
	rules := CoreRules()

	if cfg.RequireFields {
		rules = append(rules, Rule{
			Name: RuleMissingRequiredField,
			Columns: []RequiredColumn{
				{Name: ColPULocation, Type: Numeric},
				{Name: ColDOLocation, Type: Numeric},
				{Name: ColFare, Type: Numeric},
			},
			Keep: func(r TripRecord) bool {
				return !math.IsNaN(r.PULocation) && !math.IsNaN(r.DOLocation) && !math.IsNaN(r.Fare)
			},
		})
	}

	if cfg.PeriodStart != "" || cfg.PeriodEnd != "" {
		start, end, err := parsePeriod(cfg.PeriodStart, cfg.PeriodEnd)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{
			Name:    RuleOutsidePeriod,
			Columns: []RequiredColumn{pickupCol},
			Keep: func(r TripRecord) bool {
				if !start.IsZero() && r.Pickup.Before(start) {
					return false
				}
				return end.IsZero() || r.Pickup.Before(end)
			},
		})
	}

	if cfg.MaxFare > 0 {
		minFare, maxFare := cfg.MinFare, cfg.MaxFare
		rules = append(rules, Rule{
			Name:    RuleFareOutOfRange,
			Columns: []RequiredColumn{{Name: ColFare, Type: Numeric}},
			Keep: func(r TripRecord) bool {
				return r.Fare > minFare && r.Fare <= maxFare
			},
		})
	}

	if cfg.RequirePositiveSum {
		rules = append(rules, Rule{
			Name:    RuleNonPositiveTotal,
			Columns: []RequiredColumn{{Name: ColTotal, Type: Numeric}},
			Keep: func(r TripRecord) bool {
				return r.Total > 0
			},
		})
	}

	if cfg.MaxDistance > 0 {
		maxDistance := cfg.MaxDistance
		rules = append(rules, Rule{
			Name:    RuleDistanceTooLong,
			Columns: []RequiredColumn{distanceCol},
			Keep: func(r TripRecord) bool {
				return r.Distance <= maxDistance
			},
		})
	}

	if cfg.MinDurationMinutes > 0 || cfg.MaxDurationMinutes > 0 {
		lo, hi := cfg.MinDurationMinutes, cfg.MaxDurationMinutes
		rules = append(rules, Rule{
			Name:    RuleDurationOutOfRange,
			Columns: []RequiredColumn{pickupCol, dropoffCol},
			Keep: func(r TripRecord) bool {
				return within(r.DurationMinutes(), lo, hi)
			},
		})
	}

	if cfg.MinPassengers > 0 || cfg.MaxPassengers > 0 {
		lo, hi := cfg.MinPassengers, cfg.MaxPassengers
		rules = append(rules, Rule{
			Name:    RulePassengerOutOfRange,
			Columns: []RequiredColumn{{Name: ColPassengers, Type: Numeric}},
			Keep: func(r TripRecord) bool {
				return within(r.Passengers, lo, hi)
			},
		})
	}

	if cfg.MaxSpeedMph > 0 {
		maxSpeed := cfg.MaxSpeedMph
		rules = append(rules, Rule{
			Name:    RuleImplausibleSpeed,
			Columns: []RequiredColumn{pickupCol, dropoffCol, distanceCol},
			Keep: func(r TripRecord) bool {
				return r.SpeedMph() <= maxSpeed
			},
		})
	}

	return rules, nil
}

// within lo <= v 且 (hi<=0 或 v <= hi)，NaN 不满足
func within(v, lo, hi float64) bool {
	if math.IsNaN(v) || v < lo {
		return false
	}
	return hi <= 0 || v <= hi
}

func parsePeriod(from, to string) (start, end time.Time, err error) {
	if from != "" {
		if start, err = time.Parse(DateLayout, from); err != nil {
			return start, end, fmt.Errorf("invalid period_start %q: %w", from, err)
		}
	}
	if to != "" {
		if end, err = time.Parse(DateLayout, to); err != nil {
			return start, end, fmt.Errorf("invalid period_end %q: %w", to, err)
		}
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return start, end, fmt.Errorf("period_end %s is not after period_start %s", to, from)
	}
	return start, end, nil
}

// Names 规则名，按求值顺序
func (rs RuleSet) Names() []string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.Name
	}
	return names
}

// RequiredColumns 规则集需要校验器检查的列
func (rs RuleSet) RequiredColumns() Schema {
	var schema Schema
	for _, r := range rs {
		schema = schema.merge(r.Columns...)
	}
	return schema
}
