package utils

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/xuri/excelize/v2"
)

// TimeLayout 统一输出的时间格式
const TimeLayout = "2006-01-02 15:04:05"

// 可接受的时间格式，按顺序尝试
var timeLayouts = []string{
	TimeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 03:04:05 PM",
	"2006-01-02 15:04",
}

func Contains[T comparable](slice []T, item T) bool {
	for _, v := range slice {
		if v == item {
			return true
		}
	}
	return false
}

// 辅助函数：判断DataFrame是否有某列
func HasColumn(df dataframe.DataFrame, name string) bool {
	return Contains(df.Names(), name)
}

// IsMissing 空值判定：NA、空串、NaN
func IsMissing(e series.Element) bool {
	if e == nil || e.IsNA() {
		return true
	}
	s := strings.TrimSpace(e.String())
	return s == "" || s == "NaN" || s == "NA" || s == "<nil>"
}

// ParseTime 按已知格式解析时间，空值或无法解析返回 false
func ParseTime(e series.Element) (time.Time, bool) {
	if IsMissing(e) {
		return time.Time{}, false
	}
	return ParseTimeString(e.String())
}

func ParseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Float 取数值，空值或非数值返回 NaN
func Float(e series.Element) float64 {
	if IsMissing(e) {
		return math.NaN()
	}
	return e.Float()
}

// SaveToExcel 将DataFrame保存为Excel文件
func SaveToExcel(df dataframe.DataFrame, filePath string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Sheet1"

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("创建写入流失败: %w", err)
	}

	// 写入列名
	colNames := df.Names()
	header := make([]interface{}, len(colNames))
	for i, name := range colNames {
		header[i] = name
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}

	cols := make([]series.Series, len(colNames))
	for i, name := range colNames {
		cols[i] = df.Col(name)
	}

	// 写入数据
	for rowIdx := 0; rowIdx < df.Nrow(); rowIdx++ {
		row := make([]interface{}, len(cols))
		for colIdx, col := range cols {
			e := col.Elem(rowIdx)
			if IsMissing(e) {
				continue
			}
			row[colIdx] = e.Val()
		}
		cell, _ := excelize.CoordinatesToCellName(1, rowIdx+2)
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("写入第%d行失败: %w", rowIdx+2, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("刷新写入流失败: %w", err)
	}

	// 保存文件
	if err := f.SaveAs(filePath); err != nil {
		return fmt.Errorf("保存Excel文件失败: %w", err)
	}
	return nil
}
