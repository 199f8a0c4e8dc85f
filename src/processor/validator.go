package processor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"taxiquality/src/utils"
)

// ErrValidation 数据集不满足必需列约束，整次运行中止
var ErrValidation = errors.New("schema validation failed")

// Problem 单列的校验问题
type Problem struct {
	Column string `json:"column"`
	Reason string `json:"reason"`
}

// ValidationResult 校验结果，Problems 为空即通过
type ValidationResult struct {
	Problems []Problem
}

// OK 是否通过
func (r ValidationResult) OK() bool {
	return len(r.Problems) == 0
}

// Err 未通过时返回 *ValidationError
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Problems: r.Problems}
}

// ValidationError 列出所有失败的列
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("%s: %s", p.Column, p.Reason)
	}
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Validate 检查必需列存在且值可转换为期望类型，不修改 df。
// 整列没有任何非空值可转换时判为类型错误；个别无法解析的单元格留给清洗规则处理。
func Validate(df dataframe.DataFrame, schema Schema) ValidationResult {
	var result ValidationResult
	if df.Err != nil {
		result.Problems = append(result.Problems, Problem{Column: "*", Reason: df.Err.Error()})
		return result
	}

	for _, req := range schema {
		if !utils.HasColumn(df, req.Name) {
			result.Problems = append(result.Problems, Problem{Column: req.Name, Reason: "missing column"})
			continue
		}
		if !coercible(df.Col(req.Name), req.Type) {
			result.Problems = append(result.Problems, Problem{
				Column: req.Name,
				Reason: fmt.Sprintf("values are not coercible to %s", req.Type),
			})
		}
	}
	return result
}

func coercible(s series.Series, t ColumnType) bool {
	switch t {
	case String:
		return true
	case Numeric:
		switch s.Type() {
		case series.Float, series.Int, series.Bool:
			return true
		}
		return anyValue(s, func(e series.Element) bool {
			_, err := strconv.ParseFloat(strings.TrimSpace(e.String()), 64)
			return err == nil
		})
	case Timestamp:
		return anyValue(s, func(e series.Element) bool {
			_, ok := utils.ParseTime(e)
			return ok
		})
	}
	return false
}

// anyValue 全部为空时返回 true，否则至少一个非空值满足 ok
func anyValue(s series.Series, ok func(series.Element) bool) bool {
	seen := false
	for i := 0; i < s.Len(); i++ {
		e := s.Elem(i)
		if utils.IsMissing(e) {
			continue
		}
		seen = true
		if ok(e) {
			return true
		}
	}
	return !seen
}
