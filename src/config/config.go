package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config 结构体定义了应用程序的配置结构
type Config struct {
	DataDir      string `json:"data_dir"`      // 数据根目录
	RawDir       string `json:"raw_dir"`       // 原始数据目录
	ProcessedDir string `json:"processed_dir"` // 清洗结果目录
	InboxDir     string `json:"inbox_dir"`     // 上传/邮件附件落地目录，被监控
	PidFile      string `json:"pid_file"`

	Source struct {
		TripURL  string `json:"trip_url"`  // 行程数据下载地址
		ZoneURL  string `json:"zone_url"`  // 区域对照表下载地址
		TripFile string `json:"trip_file"` // 原始行程文件名(位于RawDir)
		ZoneFile string `json:"zone_file"` // 区域对照表文件名(位于RawDir)
	} `json:"source"`

	Output struct {
		Parquet string `json:"parquet"` // 清洗结果文件名(位于ProcessedDir)
		XLSX    string `json:"xlsx"`    // 可选的Excel导出，为空则不导出
		SQLite  string `json:"sqlite"`  // 分析库路径
	} `json:"output"`

	LogName    string `json:"log_name"`
	LogMaxSize string `json:"log_max_size"`
	LogLevel   string `json:"log_level"`

	Schedule struct {
		Enabled  bool     `json:"enabled"`
		Interval Duration `json:"interval"` // 定时重跑间隔
	} `json:"schedule"`

	Email struct {
		Server        string   `json:"server"`         // IMAP服务器地址
		Username      string   `json:"username"`       // 邮箱用户名
		Password      string   `json:"password"`       // 邮箱密码
		TargetSubject string   `json:"target_subject"` // 需要匹配的邮件主题
		CheckInterval Duration `json:"check_interval"` // 检查新邮件的间隔时间
	} `json:"email"`

	SendEmail struct {
		Server   string   `json:"server"`   // SMTP服务器地址
		Username string   `json:"username"` // 发件人
		Password string   `json:"password"` // 密码/授权码
		Subject  string   `json:"subject"`  // 报告邮件主题
		To       []string `json:"to"`       // 收件人
	} `json:"send_email"`

	Push struct {
		Webhook string `json:"webhook"` // 机器人webhook地址，为空则不推送
		Keyword string `json:"keyword"` // 机器人安全关键词
	} `json:"push"`

	API struct {
		Addr           string   `json:"addr"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"api"`
}

// RuleConfig 清洗规则的阈值配置，<=0 的上限表示不启用对应规则
type RuleConfig struct {
	RequireFields      bool    `json:"require_fields"`
	PeriodStart        string  `json:"period_start"` // 2006-01-02，为空不启用
	PeriodEnd          string  `json:"period_end"`
	MinFare            float64 `json:"min_fare"`
	MaxFare            float64 `json:"max_fare"`
	RequirePositiveSum bool    `json:"require_positive_total"`
	MaxDistance        float64 `json:"max_distance"`
	MinDurationMinutes float64 `json:"min_duration_minutes"`
	MaxDurationMinutes float64 `json:"max_duration_minutes"`
	MinPassengers      float64 `json:"min_passengers"`
	MaxPassengers      float64 `json:"max_passengers"`
	MaxSpeedMph        float64 `json:"max_speed_mph"`
}

type DataConfig struct {
	Columns      map[string]string `json:"columns"`       // 原始列名 -> 标准列名
	Rules        RuleConfig        `json:"rules"`         // 清洗阈值
	PaymentTypes map[string]string `json:"payment_types"` // 支付方式编码 -> 名称
}

var (
	once               sync.Once
	instance           *Config
	dataConfigInstance *DataConfig
	loadErr            error
	mu                 sync.RWMutex
)

// DefaultConfig 返回带默认值的Config，JSON中缺省的字段保持默认
func DefaultConfig() *Config {
	var cfg Config
	cfg.DataDir = "data"
	cfg.RawDir = filepath.Join("data", "raw")
	cfg.ProcessedDir = filepath.Join("data", "processed")
	cfg.InboxDir = filepath.Join("data", "inbox")
	cfg.PidFile = "taxiquality.pid"
	cfg.Source.TripURL = "https://d37ci6vzurychx.cloudfront.net/trip-data/yellow_tripdata_2024-01.parquet"
	cfg.Source.ZoneURL = "https://d37ci6vzurychx.cloudfront.net/misc/taxi_zone_lookup.csv"
	cfg.Source.TripFile = "yellow_tripdata_2024-01.parquet"
	cfg.Source.ZoneFile = "taxi_zone_lookup.csv"
	cfg.Output.Parquet = "yellow_2024_01_clean.parquet"
	cfg.Output.SQLite = filepath.Join("data", "processed", "trips.db")
	cfg.LogName = "app.log"
	cfg.LogMaxSize = "10 * 1024 * 1024"
	cfg.LogLevel = "INFO"
	cfg.Schedule.Interval = Duration(24 * time.Hour)
	cfg.Email.CheckInterval = Duration(5 * time.Minute)
	cfg.SendEmail.Subject = "Taxi data cleaning report"
	cfg.API.Addr = ":8081"
	cfg.API.AllowedOrigins = []string{"http://localhost:5173"}
	return &cfg
}

// DefaultDataConfig 返回与原始清洗流程一致的阈值
func DefaultDataConfig() *DataConfig {
	return &DataConfig{
		Columns: map[string]string{
			"Airport_fee": "airport_fee",
		},
		Rules: RuleConfig{
			RequireFields:      true,
			PeriodStart:        "2024-01-01",
			PeriodEnd:          "2024-02-01",
			MinFare:            0,
			MaxFare:            500,
			RequirePositiveSum: true,
			MaxDistance:        200,
			MinDurationMinutes: 1,
			MaxDurationMinutes: 300,
			MinPassengers:      1,
			MaxPassengers:      9,
			MaxSpeedMph:        80,
		},
		PaymentTypes: map[string]string{
			"0": "Flex Fare",
			"1": "Credit Card",
			"2": "Cash",
			"3": "No Charge",
			"4": "Dispute",
			"5": "Unknown",
			"6": "Voided Trip",
		},
	}
}

// LoadConfig 加载配置(进程内只加载一次，失败结果同样保留)
func LoadConfig(jsonFolder, jsonFile, dataJsonFile string) (*Config, *DataConfig, error) {
	once.Do(func() {
		instance, dataConfigInstance, loadErr = loadConfigs(jsonFolder, jsonFile, dataJsonFile)
	})
	return instance, dataConfigInstance, loadErr
}

func loadConfigs(jsonFolder, jsonFile, dataJsonFile string) (*Config, *DataConfig, error) {
	configFile := filepath.Join(jsonFolder, jsonFile)
	dataConfigFile := filepath.Join(jsonFolder, dataJsonFile)

	configData, err := readFile(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	dataConfigData, err := readFile(dataConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("读取数据配置文件失败: %w", err)
	}

	cfgChan := make(chan *Config, 1)
	dcfgChan := make(chan *DataConfig, 1)
	errChan := make(chan error, 2)

	go parseConfig(configData, cfgChan, errChan)
	go parseDataConfig(dataConfigData, dcfgChan, errChan)

	cfg, dcfg, err := waitForResults(cfgChan, dcfgChan, errChan)
	if err != nil {
		return nil, nil, err
	}

	// .env 与环境变量覆盖
	_ = godotenv.Load(filepath.Join(jsonFolder, ".env"))
	if err := applyEnv(cfg, dcfg); err != nil {
		return nil, nil, err
	}

	return cfg, dcfg, nil
}

func readFile(filePath string) ([]byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法读取文件 %s: %w", filePath, err)
	}
	return data, nil
}

func parseConfig(data []byte, resultChan chan<- *Config, errChan chan<- error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		errChan <- fmt.Errorf("解析Config失败: %w", err)
		return
	}
	resultChan <- cfg
}

func parseDataConfig(data []byte, resultChan chan<- *DataConfig, errChan chan<- error) {
	dcfg := DefaultDataConfig()
	if err := json.Unmarshal(data, dcfg); err != nil {
		errChan <- fmt.Errorf("解析DataConfig失败: %w", err)
		return
	}
	resultChan <- dcfg
}

func waitForResults(
	cfgChan <-chan *Config,
	dcfgChan <-chan *DataConfig,
	errChan <-chan error,
) (*Config, *DataConfig, error) {
	var (
		cfg    *Config
		dcfg   *DataConfig
		errors []error
	)

	for i := 0; i < 2; i++ {
		select {
		case c := <-cfgChan:
			cfg = c
		case d := <-dcfgChan:
			dcfg = d
		case err := <-errChan:
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return nil, nil, combineErrors(errors)
	}

	if cfg == nil || dcfg == nil {
		return nil, nil, fmt.Errorf("部分配置未加载成功")
	}

	return cfg, dcfg, nil
}

func combineErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}

	msg := "配置加载遇到多个错误:"
	for _, err := range errs {
		msg = fmt.Sprintf("%s\n- %v", msg, err)
	}
	return fmt.Errorf("%s", msg)
}

// applyEnv 用 TAXI_* 环境变量覆盖文件配置
func applyEnv(cfg *Config, dcfg *DataConfig) error {
	if v := os.Getenv("TAXI_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TAXI_SQLITE"); v != "" {
		cfg.Output.SQLite = v
	}
	if v := os.Getenv("TAXI_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("TAXI_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("TAXI_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TAXI_EMAIL_PASSWORD"); v != "" {
		cfg.Email.Password = v
	}
	if v := os.Getenv("TAXI_SMTP_PASSWORD"); v != "" {
		cfg.SendEmail.Password = v
	}
	if v := os.Getenv("TAXI_PUSH_WEBHOOK"); v != "" {
		cfg.Push.Webhook = v
	}
	if v := os.Getenv("TAXI_MAX_SPEED_MPH"); v != "" {
		speed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TAXI_MAX_SPEED_MPH 无效: %w", err)
		}
		dcfg.SetMaxSpeed(speed)
	}
	return nil
}

// Duration 是time.Duration的自定义包装类型
// 用于支持JSON序列化和反序列化
type Duration time.Duration

// UnmarshalJSON 实现json.Unmarshaler接口
// 用于从JSON字符串解析Duration
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalJSON 实现json.Marshaler接口
// 用于将Duration序列化为JSON字符串
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// CanonicalColumn 返回原始列名对应的标准列名，没有别名时原样返回
func (dc *DataConfig) CanonicalColumn(colName string) string {
	mu.RLock()
	defer mu.RUnlock()
	if c, ok := dc.Columns[colName]; ok && c != "" {
		return c
	}
	return colName
}

func (dc *DataConfig) Aliases() map[string]string {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]string, len(dc.Columns))
	for k, v := range dc.Columns {
		out[k] = v
	}
	return out
}

func (dc *DataConfig) SetColumn(raw, canonical string) {
	mu.Lock()
	defer mu.Unlock()
	if dc.Columns == nil {
		dc.Columns = make(map[string]string)
	}
	dc.Columns[raw] = canonical
}

func (dc *DataConfig) GetRules() RuleConfig {
	mu.RLock()
	defer mu.RUnlock()
	return dc.Rules
}

func (dc *DataConfig) SetMaxSpeed(mph float64) {
	mu.Lock()
	defer mu.Unlock()
	dc.Rules.MaxSpeedMph = mph
}

// PaymentName 支付方式编码转名称
func (dc *DataConfig) PaymentName(code string) string {
	mu.RLock()
	defer mu.RUnlock()
	return dc.PaymentTypes[code]
}

// PaymentNames 支付方式编码表的副本
func (dc *DataConfig) PaymentNames() map[string]string {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]string, len(dc.PaymentTypes))
	for k, v := range dc.PaymentTypes {
		out[k] = v
	}
	return out
}
