package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"taxiquality/src/processor"
	"taxiquality/src/utils"
)

// RangeColumns 数据概览里检查取值范围的列
var RangeColumns = []string{
	processor.ColFare,
	processor.ColDistance,
	processor.ColTip,
	processor.ColDurationMinutes,
	processor.ColSpeedMph,
}

// ColumnInfo 单列类型与非空统计
type ColumnInfo struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	NonNull int     `json:"non_null"`
	NullPct float64 `json:"null_pct"`
}

// MissingCount 存在缺失值的列
type MissingCount struct {
	Column  string  `json:"column"`
	Missing int     `json:"missing"`
	Pct     float64 `json:"pct"`
}

// ValueRange 忽略缺失值后的最小/最大/均值
type ValueRange struct {
	Column string  `json:"column"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
}

// Overview 清洗后数据集的概览
type Overview struct {
	Rows      int            `json:"rows"`
	Columns   int            `json:"columns"`
	FirstDate string         `json:"first_date,omitempty"`
	LastDate  string         `json:"last_date,omitempty"`
	Days      int            `json:"days"`
	Describe  [][]string     `json:"describe"`
	Info      []ColumnInfo   `json:"column_info"`
	Missing   []MissingCount `json:"missing"`
	Ranges    []ValueRange   `json:"ranges"`
}

// BuildOverview 统计行列数、日期跨度、各列缺失与关键列取值范围
func BuildOverview(df dataframe.DataFrame) *Overview {
	ov := &Overview{
		Rows:     df.Nrow(),
		Columns:  df.Ncol(),
		Describe: [][]string{},
		Info:     []ColumnInfo{},
		Missing:  []MissingCount{},
		Ranges:   []ValueRange{},
	}

	var numeric []string
	for _, name := range df.Names() {
		s := df.Col(name)
		missing := 0
		for i := 0; i < s.Len(); i++ {
			if utils.IsMissing(s.Elem(i)) {
				missing++
			}
		}
		ov.Info = append(ov.Info, ColumnInfo{
			Name:    name,
			Type:    string(s.Type()),
			NonNull: s.Len() - missing,
			NullPct: percent(missing, s.Len()),
		})
		if missing > 0 {
			ov.Missing = append(ov.Missing, MissingCount{Column: name, Missing: missing, Pct: percent(missing, s.Len())})
		}
		if s.Type() == series.Float || s.Type() == series.Int {
			numeric = append(numeric, name)
		}
	}
	sort.SliceStable(ov.Missing, func(i, j int) bool {
		return ov.Missing[i].Missing > ov.Missing[j].Missing
	})

	if ov.Rows == 0 {
		return ov
	}

	if len(numeric) > 0 {
		ov.Describe = df.Select(numeric).Describe().Records()
	}

	for _, name := range RangeColumns {
		if !utils.HasColumn(df, name) {
			continue
		}
		if r, ok := valueRange(df.Col(name)); ok {
			r.Column = name
			ov.Ranges = append(ov.Ranges, r)
		}
	}

	if utils.HasColumn(df, processor.ColPickupDate) {
		ov.FirstDate, ov.LastDate, ov.Days = dateSpan(df.Col(processor.ColPickupDate))
	}
	return ov
}

// valueRange 全为缺失时返回 false
func valueRange(s series.Series) (ValueRange, bool) {
	r := ValueRange{Min: math.Inf(1), Max: math.Inf(-1)}
	n, sum := 0, 0.0
	for i := 0; i < s.Len(); i++ {
		v := utils.Float(s.Elem(i))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		r.Min = math.Min(r.Min, v)
		r.Max = math.Max(r.Max, v)
		sum += v
		n++
	}
	if n == 0 {
		return ValueRange{}, false
	}
	r.Mean = sum / float64(n)
	return r, true
}

// dateSpan 首末日期(YYYY-MM-DD)与包含两端的天数
func dateSpan(s series.Series) (first, last string, days int) {
	for i := 0; i < s.Len(); i++ {
		e := s.Elem(i)
		if utils.IsMissing(e) {
			continue
		}
		d := e.String()
		if first == "" || d < first {
			first = d
		}
		if d > last {
			last = d
		}
	}
	if first == "" {
		return "", "", 0
	}
	t1, err1 := time.Parse("2006-01-02", first)
	t2, err2 := time.Parse("2006-01-02", last)
	if err1 != nil || err2 != nil {
		return first, last, 0
	}
	return first, last, int(t2.Sub(t1).Hours()/24) + 1
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(total)) / 100
}
