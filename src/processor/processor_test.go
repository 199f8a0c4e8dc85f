package processor

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"

	"taxiquality/src/config"
)

var tripHeader = []string{
	ColPickup, ColDropoff, ColDistance, ColPULocation, ColDOLocation,
	ColFare, ColTotal, ColTip, ColPassengers, ColPaymentType,
}

// trip 生成一行，其余字段取合法值
func trip(pickup, dropoff, distance string) []string {
	return []string{pickup, dropoff, distance, "161", "237", "10.0", "14.5", "2.0", "1", "1"}
}

func trips(rows ...[]string) dataframe.DataFrame {
	records := append([][]string{tripHeader}, rows...)
	return dataframe.LoadRecords(records)
}

func defaultRules(t *testing.T) RuleSet {
	t.Helper()
	rules, err := NewRuleSet(config.DefaultDataConfig().GetRules())
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	return rules
}

func TestDeriveExample(t *testing.T) {
	df := trips(trip("2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"))

	out, err := Derive(df)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if out.Nrow() != 1 || out.Ncol() != df.Ncol()+6 {
		t.Fatalf("shape = %dx%d", out.Nrow(), out.Ncol())
	}

	if got := out.Col(ColDurationMinutes).Elem(0).Float(); got != 15.0 {
		t.Errorf("duration = %v, want 15", got)
	}
	if got := out.Col(ColSpeedMph).Elem(0).Float(); got != 20.0 {
		t.Errorf("speed = %v, want 20", got)
	}
	if got, _ := out.Col(ColPickupHour).Elem(0).Int(); got != 8 {
		t.Errorf("hour = %v, want 8", got)
	}
	if got := out.Col(ColPickupDay).Elem(0).String(); got != "Monday" {
		t.Errorf("day = %q, want Monday", got)
	}
	if got := out.Col(ColPickupDate).Elem(0).String(); got != "2024-01-01" {
		t.Errorf("date = %q", got)
	}
	if got := out.Col(ColTipPct).Elem(0).Float(); got != 20.0 {
		t.Errorf("tip pct = %v, want 20", got)
	}
}

func TestDeriveRejectsUncleanedRow(t *testing.T) {
	df := trips(
		trip("2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"),
		trip("2024-01-01 09:00:00", "2024-01-01 09:10:00", "0"),
	)
	if _, err := Derive(df); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}

	df = trips(trip("2024-01-01 09:00:00", "2024-01-01 09:00:00", "3"))
	if _, err := Derive(df); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("zero duration err = %v", err)
	}
}

func TestCleanFirstFailingRuleAttribution(t *testing.T) {
	df := trips(
		trip("2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"), // keep
		trip("NaN", "2024-01-01 08:15:00", "5.0"),                 // missing_datetime
		trip("2024-01-01 08:00:00", "not a time", "0"),            // missing_datetime, not distance
		trip("2024-01-01 08:15:00", "2024-01-01 08:00:00", "0"),   // duration before distance
		trip("2024-01-01 10:00:00", "2024-01-01 10:20:00", "0"),   // non_positive_distance
		trip("2024-01-01 11:00:00", "2024-01-01 11:30:00", "2.5"), // keep
	)

	cleaned, report, err := NewCleaner(CoreRules()).Clean(df)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}

	want := map[string]int{
		RuleMissingDatetime:     2,
		RuleNonPositiveDuration: 1,
		RuleNonPositiveDistance: 1,
	}
	if !reflect.DeepEqual(report.Map(), want) {
		t.Errorf("report = %v, want %v", report.Map(), want)
	}
	if report.RawRows() != 6 || report.RetainedRows() != 2 || cleaned.Nrow() != 2 {
		t.Errorf("rows raw=%d retained=%d cleaned=%d", report.RawRows(), report.RetainedRows(), cleaned.Nrow())
	}

	// 保持原顺序
	pickups := cleaned.Col(ColPickup).Records()
	if pickups[0] != "2024-01-01 08:00:00" || pickups[1] != "2024-01-01 11:00:00" {
		t.Errorf("order not preserved: %v", pickups)
	}
}

func TestCleanZeroDistanceAttribution(t *testing.T) {
	df := trips(trip("2024-01-02 08:00:00", "2024-01-02 08:30:00", "0"))
	_, report, err := NewCleaner(defaultRules(t)).Clean(df)
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(RuleNonPositiveDistance) != 1 || report.Total() != 1 {
		t.Errorf("report = %v", report.Map())
	}
}

func TestCleanAllRowsRemoved(t *testing.T) {
	df := trips(trip("NaN", "NaN", "1"), trip("2024-01-01 08:00:00", "2024-01-01 08:10:00", "-1"))
	cleaned, report, err := NewCleaner(CoreRules()).Clean(df)
	if err != nil {
		t.Fatal(err)
	}
	if cleaned.Nrow() != 0 || report.Total() != 2 {
		t.Errorf("cleaned=%d total=%d", cleaned.Nrow(), report.Total())
	}
	if cleaned.Ncol() != df.Ncol() {
		t.Errorf("columns lost: %d != %d", cleaned.Ncol(), df.Ncol())
	}
}

// 无穷距离或车速溢出的行在清洗阶段剔除，不能让派生阶段中止运行
func TestCleanNonFiniteDistance(t *testing.T) {
	df := trips(
		trip("2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"),
		trip("2024-01-01 09:00:00", "2024-01-01 09:15:00", "Inf"),
		trip("2024-01-01 10:00:00", "2024-01-01 10:00:01", "1e308"),
	)

	_, report, err := NewCleaner(CoreRules()).Clean(df)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if report.Count(RuleNonPositiveDistance) != 2 || report.RetainedRows() != 1 {
		t.Errorf("core report = %v retained=%d", report.Map(), report.RetainedRows())
	}

	rules, err := NewRuleSet(config.RuleConfig{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewPipeline(rules, nil).Run(df)
	if err != nil {
		t.Fatalf("Run with no optional rules: %v", err)
	}
	if res.Rows() != 1 || res.Report.Count(RuleNonPositiveDistance) != 2 {
		t.Errorf("rows=%d report=%v", res.Rows(), res.Report.Map())
	}
	speed := res.Dataset().Col(ColSpeedMph).Elem(0).Float()
	if math.IsInf(speed, 0) || math.IsNaN(speed) {
		t.Errorf("speed = %v", speed)
	}
}

func TestPipelineRejectsConcurrentRun(t *testing.T) {
	p := NewPipeline(CoreRules(), nil)
	p.setState(Running)
	if _, err := p.Run(trips(trip("2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"))); !errors.Is(err, ErrPipelineBusy) {
		t.Fatalf("err = %v, want ErrPipelineBusy", err)
	}
	if p.State() != Running {
		t.Errorf("state = %v, want running", p.State())
	}

	p.setState(Succeeded)
	if _, err := p.Run(trips(trip("2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"))); err != nil {
		t.Fatalf("Run after previous finished: %v", err)
	}
}

func mixedDataset() dataframe.DataFrame {
	return trips(
		trip("2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"),
		trip("2024-01-03 17:45:00", "2024-01-03 18:05:00", "1.2"),
		trip("NaN", "2024-01-03 18:05:00", "1.2"),
		trip("2024-01-04 07:00:00", "2024-01-04 06:59:00", "3.0"),
		trip("2024-01-05 12:00:00", "2024-01-05 12:10:00", "0"),
		trip("2023-12-31 23:50:00", "2024-01-01 00:10:00", "4.0"),  // outside_period
		trip("2024-01-06 12:00:00", "2024-01-06 12:00:30", "0.1"),  // duration < 1 min
		trip("2024-01-07 12:00:00", "2024-01-07 12:15:00", "30.0"), // 120 mph
		trip("2024-01-08 12:00:00", "2024-01-08 12:15:00", "250"),  // distance_too_long
		[]string{"2024-01-09 12:00:00", "2024-01-09 12:30:00", "4.0", "NaN", "237", "10.0", "14.5", "0", "1", "2"},
		[]string{"2024-01-10 12:00:00", "2024-01-10 12:30:00", "4.0", "161", "237", "900", "914.5", "0", "1", "2"},
		[]string{"2024-01-11 12:00:00", "2024-01-11 12:30:00", "4.0", "161", "237", "10.0", "-1", "0", "1", "2"},
		[]string{"2024-01-12 12:00:00", "2024-01-12 12:30:00", "4.0", "161", "237", "10.0", "14.5", "0", "0", "2"},
		trip("2024-01-31 23:30:00", "2024-02-01 00:05:00", "7.5"),
	)
}

func TestPipelineRunInvariants(t *testing.T) {
	raw := mixedDataset()
	p := NewPipeline(defaultRules(t), nil)

	res, err := p.Run(raw)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.State() != Succeeded {
		t.Errorf("state = %v", p.State())
	}

	report := res.Report
	for _, rule := range []string{
		RuleMissingDatetime, RuleNonPositiveDuration, RuleNonPositiveDistance,
		RuleMissingRequiredField, RuleOutsidePeriod, RuleFareOutOfRange,
		RuleNonPositiveTotal, RuleDistanceTooLong, RuleDurationOutOfRange,
		RulePassengerOutOfRange, RuleImplausibleSpeed,
	} {
		if report.Count(rule) != 1 {
			t.Errorf("%s removed %d rows, want 1", rule, report.Count(rule))
		}
	}

	ds := res.Dataset()
	if ds.Nrow() != raw.Nrow()-report.Total() {
		t.Errorf("row identity broken: %d != %d - %d", ds.Nrow(), raw.Nrow(), report.Total())
	}
	if ds.Nrow() != 3 {
		t.Fatalf("retained %d rows, want 3", ds.Nrow())
	}

	for i := 0; i < ds.Nrow(); i++ {
		speed := ds.Col(ColSpeedMph).Elem(i).Float()
		if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
			t.Errorf("row %d speed %v", i, speed)
		}
		if ds.Col(ColDistance).Elem(i).Float() <= 0 {
			t.Errorf("row %d non-positive distance", i)
		}
		if ds.Col(ColDurationMinutes).Elem(i).Float() <= 0 {
			t.Errorf("row %d non-positive duration", i)
		}
	}

	days := ds.Col(ColPickupDay).Records()
	if !reflect.DeepEqual(days, []string{"Monday", "Wednesday", "Wednesday"}) {
		t.Errorf("days = %v", days)
	}
}

func TestPipelineIdempotent(t *testing.T) {
	rules := defaultRules(t)
	first, err := NewPipeline(rules, nil).Run(mixedDataset())
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewPipeline(rules, nil).Run(mixedDataset())
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first.Dataset().Records(), second.Dataset().Records()) {
		t.Error("datasets differ between runs")
	}
	a, _ := json.Marshal(first.Report)
	b, _ := json.Marshal(second.Report)
	if string(a) != string(b) {
		t.Errorf("reports differ: %s vs %s", a, b)
	}
	if first.RunID == second.RunID {
		t.Error("run ids should be unique")
	}
}

func TestPipelineAbortsOnMissingPickupColumn(t *testing.T) {
	df := mixedDataset().Drop(ColPickup)
	p := NewPipeline(defaultRules(t), nil)

	res, err := p.Run(df)
	if res != nil {
		t.Fatal("result produced for invalid dataset")
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Problems[0].Column != ColPickup {
		t.Fatalf("problems = %+v", verr)
	}
	if p.State() != Aborted {
		t.Errorf("state = %v, want aborted", p.State())
	}
}

func TestValidate(t *testing.T) {
	schema := Schema{
		{Name: ColPickup, Type: Timestamp},
		{Name: ColDistance, Type: Numeric},
		{Name: ColPaymentType, Type: String},
	}

	good := trips(trip("2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"), trip("junk", "junk", "1"))
	if res := Validate(good, schema); !res.OK() {
		t.Errorf("valid dataset rejected: %+v", res.Problems)
	}

	bad := dataframe.LoadRecords([][]string{
		{ColPickup, ColDistance},
		{"monday", "far"},
		{"tuesday", "near"},
	})
	res := Validate(bad, schema)
	if len(res.Problems) != 3 {
		t.Fatalf("problems = %+v", res.Problems)
	}
	msg := res.Err().Error()
	for _, col := range []string{ColPickup, ColDistance, ColPaymentType} {
		if !strings.Contains(msg, col) {
			t.Errorf("error %q does not mention %s", msg, col)
		}
	}
}

func TestNewRuleSet(t *testing.T) {
	cfg := config.DefaultDataConfig().GetRules()
	rules, err := NewRuleSet(cfg)
	if err != nil {
		t.Fatal(err)
	}
	names := rules.Names()
	if names[0] != RuleMissingDatetime || names[1] != RuleNonPositiveDuration || names[2] != RuleNonPositiveDistance {
		t.Errorf("core rule order = %v", names[:3])
	}
	if names[len(names)-1] != RuleImplausibleSpeed {
		t.Errorf("last rule = %s", names[len(names)-1])
	}

	schema := rules.RequiredColumns().Names()
	if !reflect.DeepEqual(schema[:3], []string{ColPickup, ColDropoff, ColDistance}) {
		t.Errorf("schema prefix = %v", schema)
	}

	cfg.MaxSpeedMph = 0
	cfg.PeriodStart, cfg.PeriodEnd = "", ""
	rules, err = NewRuleSet(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range rules.Names() {
		if n == RuleImplausibleSpeed || n == RuleOutsidePeriod {
			t.Errorf("disabled rule %s still present", n)
		}
	}

	cfg.PeriodStart, cfg.PeriodEnd = "2024-02-01", "2024-01-01"
	if _, err := NewRuleSet(cfg); err == nil {
		t.Error("inverted period accepted")
	}
}

func TestRemovalReportSummary(t *testing.T) {
	r := newRemovalReport([]string{RuleMissingDatetime, RuleNonPositiveDistance}, 1234567)
	for i := 0; i < 1500; i++ {
		r.record(RuleNonPositiveDistance)
	}
	r.retained = 1234567 - 1500

	summary := r.Summary()
	if !strings.Contains(summary, "raw rows: 1,234,567") || !strings.Contains(summary, "1,500") {
		t.Errorf("summary = %q", summary)
	}

	data, err := json.Marshal(*r)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"raw_rows":1234567,"retained_rows":1233067,"total_removed":1500,"removed":[{"rule":"missing_datetime","count":0},{"rule":"non_positive_distance","count":1500}]}`
	if string(data) != want {
		t.Errorf("json = %s", data)
	}
}
