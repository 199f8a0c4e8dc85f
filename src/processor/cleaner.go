package processor

import (
	"fmt"

	"github.com/go-gota/gota/dataframe"
)

// Cleaner 按有序规则剔除行
type Cleaner struct {
	rules RuleSet
}

func NewCleaner(rules RuleSet) *Cleaner {
	return &Cleaner{rules: rules}
}

// Clean 保留满足全部规则的行(保持原顺序)，每个被剔除的行只计入它第一条不满足的规则
func (c *Cleaner) Clean(df dataframe.DataFrame) (dataframe.DataFrame, RemovalReport, error) {
	report := newRemovalReport(c.rules.Names(), df.Nrow())

	keep := make([]bool, df.Nrow())
	reader := newRecordReader(df)
	for i := 0; i < df.Nrow(); i++ {
		rec := reader.at(i)
		keep[i] = true
		for _, rule := range c.rules {
			if !rule.Keep(rec) {
				report.record(rule.Name)
				keep[i] = false
				break
			}
		}
	}

	out := df
	if df.Nrow() > 0 {
		out = df.Subset(keep)
		if out.Err != nil {
			return dataframe.DataFrame{}, RemovalReport{}, fmt.Errorf("subset cleaned rows: %w", out.Err)
		}
	}
	report.retained = out.Nrow()
	return out, *report, nil
}
