package processor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/google/uuid"
)

// ErrPipelineBusy 上一次运行尚未结束
var ErrPipelineBusy = errors.New("pipeline is already running")

// Logger 流水线使用的日志接口，*storage.Logger 满足
type Logger interface {
	Info(msg string)
	Warning(msg string)
	Error(msg string)
}

type nopLogger struct{}

func (nopLogger) Info(string)    {}
func (nopLogger) Warning(string) {}
func (nopLogger) Error(string)   {}

// State 运行状态
type State int

const (
	NotStarted State = iota
	Running
	Succeeded
	Aborted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result 一次成功运行的产物，返回后不可变
type Result struct {
	RunID      uuid.UUID
	Report     RemovalReport
	StartedAt  time.Time
	FinishedAt time.Time
	dataset    dataframe.DataFrame
}

// Dataset 清洗并派生后的数据集副本
func (r *Result) Dataset() dataframe.DataFrame {
	return r.dataset.Copy()
}

// Rows 数据集行数
func (r *Result) Rows() int {
	return r.dataset.Nrow()
}

// Pipeline 校验 -> 清洗 -> 派生，对整批数据单次执行
type Pipeline struct {
	rules   RuleSet
	schema  Schema
	cleaner *Cleaner
	logger  Logger

	mu    sync.Mutex
	state State
}

func NewPipeline(rules RuleSet, logger Logger) *Pipeline {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Pipeline{
		rules:   rules,
		schema:  rules.RequiredColumns(),
		cleaner: NewCleaner(rules),
		logger:  logger,
	}
}

// State 最近一次运行的状态
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Run 执行整条流水线。校验失败返回 *ValidationError 且不产生数据集；
// 派生失败返回包装 ErrInvariantViolation 的错误。
func (p *Pipeline) Run(raw dataframe.DataFrame) (*Result, error) {
	p.mu.Lock()
	if p.state == Running {
		p.mu.Unlock()
		return nil, ErrPipelineBusy
	}
	p.state = Running
	p.mu.Unlock()

	res := &Result{RunID: uuid.New(), StartedAt: time.Now()}
	p.logger.Info(fmt.Sprintf("流水线开始(run %s)，原始行数: %d", res.RunID, raw.Nrow()))

	validation := Validate(raw, p.schema)
	if !validation.OK() {
		err := validation.Err()
		p.setState(Aborted)
		p.logger.Error(fmt.Sprintf("校验失败，运行中止: %v", err))
		return nil, err
	}

	cleaned, report, err := p.cleaner.Clean(raw)
	if err != nil {
		p.setState(Aborted)
		p.logger.Error(fmt.Sprintf("清洗失败: %v", err))
		return nil, err
	}
	p.logger.Info(fmt.Sprintf("清洗完成，保留 %d 行，剔除 %d 行", report.RetainedRows(), report.Total()))

	featured, err := Derive(cleaned)
	if err != nil {
		p.setState(Aborted)
		p.logger.Error(fmt.Sprintf("派生字段失败: %v", err))
		return nil, err
	}

	res.dataset = featured
	res.Report = report
	res.FinishedAt = time.Now()
	p.setState(Succeeded)
	p.logger.Info(fmt.Sprintf("流水线完成(run %s)，耗时 %v", res.RunID, res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}
