// reader.go
package file

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/tealeg/xlsx"

	"taxiquality/src/utils"
)

const (
	Number string = "^[0-9]+(\\.[0-9]+)?$"
)

// 支持的数据文件扩展名
var DatasetExts = []string{".csv", ".xlsx", ".parquet"}

var numberRe = regexp.MustCompile(Number)

// IsDatasetFile 根据扩展名判断是否为可读取的数据文件
func IsDatasetFile(name string) bool {
	return utils.Contains(DatasetExts, strings.ToLower(filepath.Ext(name)))
}

// ReadDataset 按扩展名读取原始行程数据，并把列名按 aliases 改为标准列名
func ReadDataset(path string, aliases map[string]string) (dataframe.DataFrame, error) {
	var (
		df  dataframe.DataFrame
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		df, err = readCSV(path)
	case ".xlsx":
		df, err = ReadXLSX(path, "")
	case ".parquet":
		df, err = readRawParquet(path)
	default:
		return dataframe.DataFrame{}, fmt.Errorf("unsupported dataset format: %s", filepath.Base(path))
	}
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	return renameColumns(df, aliases)
}

func readCSV(path string) (dataframe.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("打开CSV文件失败: %w", err)
	}
	defer f.Close()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("解析CSV文件失败: %w", df.Err)
	}
	return df, nil
}

// renameColumns 原始列名 -> 标准列名，目标列已存在时跳过
func renameColumns(df dataframe.DataFrame, aliases map[string]string) (dataframe.DataFrame, error) {
	for raw, canonical := range aliases {
		if raw == canonical || !utils.HasColumn(df, raw) || utils.HasColumn(df, canonical) {
			continue
		}
		df = df.Rename(canonical, raw)
		if df.Err != nil {
			return dataframe.DataFrame{}, fmt.Errorf("rename column %s: %w", raw, df.Err)
		}
	}
	return df, nil
}

// ReadZones 读取区域对照表(LocationID,Borough,Zone,service_zone)
func ReadZones(path string) (dataframe.DataFrame, error) {
	df, err := readCSV(path)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	for _, col := range []string{"LocationID", "Borough", "Zone"} {
		if !utils.HasColumn(df, col) {
			return dataframe.DataFrame{}, fmt.Errorf("zone lookup has no %s column", col)
		}
	}
	return df, nil
}

// ReadXLSX 读取工作表，sheetName 为空时取第一个工作表，第一行为标题
func ReadXLSX(filePath, sheetName string) (dataframe.DataFrame, error) {
	xlFile, err := xlsx.OpenFile(filePath)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("xlsx open file false: %w", err)
	}

	if len(xlFile.Sheets) == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("excel文件中没有工作表")
	}
	sheet := xlFile.Sheets[0]
	if sheetName != "" {
		s, ok := xlFile.Sheet[sheetName]
		if !ok {
			return dataframe.DataFrame{}, fmt.Errorf("工作表 %s 不存在", sheetName)
		}
		sheet = s
	}

	return convertSheetToDataFrame(sheet)
}

// convertSheetToDataFrame 将xlsx.Sheet转换为dataframe.DataFrame
func convertSheetToDataFrame(sheet *xlsx.Sheet) (dataframe.DataFrame, error) {
	if len(sheet.Rows) == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("工作表 %s 为空", sheet.Name)
	}

	var headers []string
	for _, cell := range sheet.Rows[0].Cells {
		headers = append(headers, strings.TrimSpace(cell.Value))
	}

	records := make([][]string, 0, len(sheet.Rows))
	records = append(records, headers)
	for _, row := range sheet.Rows[1:] {
		if row == nil {
			continue
		}
		rec := make([]string, len(headers))
		empty := true
		for i, cell := range row.Cells {
			if i >= len(headers) { // 确保不超出列数范围
				break
			}
			rec[i] = cell.Value
			if rec[i] != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		for i, name := range headers {
			if isTimeColumn(name) {
				rec[i] = excelToTime(rec[i])
			}
		}
		records = append(records, rec)
	}

	df := dataframe.LoadRecords(records)
	if df.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("转换工作表失败: %w", df.Err)
	}
	return df, nil
}

func isTimeColumn(name string) bool {
	return strings.HasSuffix(name, "_datetime")
}

// excelToTime Excel日期序列号转为 TimeLayout 字符串，非数值原样返回
func excelToTime(v string) string {
	v = strings.TrimSpace(v)
	if !numberRe.MatchString(v) {
		return v
	}

	excelDays, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}

	base := time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	days := math.Floor(excelDays)
	seconds := math.Round((excelDays - days) * 86400)

	result := base.AddDate(0, 0, int(days)).Add(time.Duration(seconds) * time.Second)
	return result.Format(utils.TimeLayout)
}
