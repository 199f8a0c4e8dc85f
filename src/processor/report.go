package processor

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// RemovalReport 每条规则剔除的行数，运行结束后不再修改
type RemovalReport struct {
	rules    []string
	counts   map[string]int
	raw      int
	retained int
}

func newRemovalReport(rules []string, raw int) *RemovalReport {
	counts := make(map[string]int, len(rules))
	for _, r := range rules {
		counts[r] = 0
	}
	return &RemovalReport{
		rules:  append([]string(nil), rules...),
		counts: counts,
		raw:    raw,
	}
}

func (r *RemovalReport) record(rule string) {
	r.counts[rule]++
}

// Count 规则剔除的行数
func (r RemovalReport) Count(rule string) int {
	return r.counts[rule]
}

// Rules 规则名，按求值顺序
func (r RemovalReport) Rules() []string {
	return append([]string(nil), r.rules...)
}

// Map 规则名到剔除数的副本
func (r RemovalReport) Map() map[string]int {
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Total 剔除总数
func (r RemovalReport) Total() int {
	total := 0
	for _, v := range r.counts {
		total += v
	}
	return total
}

func (r RemovalReport) RawRows() int      { return r.raw }
func (r RemovalReport) RetainedRows() int { return r.retained }

// Summary 人可读的剔除摘要
func (r RemovalReport) Summary() string {
	p := message.NewPrinter(language.English)

	var b strings.Builder
	p.Fprintf(&b, "raw rows: %d, retained: %d, removed: %d\n", r.raw, r.retained, r.Total())
	for _, name := range r.rules {
		p.Fprintf(&b, "  %-30s %d\n", name, r.counts[name])
	}
	return b.String()
}

type ruleCount struct {
	Rule  string `json:"rule"`
	Count int    `json:"count"`
}

type reportJSON struct {
	RawRows      int         `json:"raw_rows"`
	RetainedRows int         `json:"retained_rows"`
	TotalRemoved int         `json:"total_removed"`
	Removed      []ruleCount `json:"removed"`
}

func (r RemovalReport) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		RawRows:      r.raw,
		RetainedRows: r.retained,
		TotalRemoved: r.Total(),
		Removed:      make([]ruleCount, 0, len(r.rules)),
	}
	for _, name := range r.rules {
		out.Removed = append(out.Removed, ruleCount{Rule: name, Count: r.counts[name]})
	}
	return json.Marshal(out)
}
