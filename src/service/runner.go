package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-gota/gota/dataframe"

	"taxiquality/src/analysis"
	"taxiquality/src/config"
	"taxiquality/src/datapush"
	"taxiquality/src/datasource/email"
	"taxiquality/src/datasource/file"
	"taxiquality/src/processor"
	"taxiquality/src/storage"
	"taxiquality/src/utils"
)

// ErrNoDataset 尚无清洗结果文件可恢复
var ErrNoDataset = errors.New("no cleaned dataset on disk")

// Runner 读取 -> 流水线 -> 写出 -> 入库 -> 通知，同一时间只跑一次
type Runner struct {
	cfg    *config.Config
	dcfg   *config.DataConfig
	store  *analysis.Store // 为空时不入库
	pusher *datapush.Pusher
	logger *storage.Logger

	runMu  sync.Mutex
	mu     sync.RWMutex
	latest *processor.Result

	// 概览按 Parquet 文件的修改时间与大小缓存
	ovMu   sync.Mutex
	ovStat os.FileInfo
	ov     *analysis.Overview
}

func NewRunner(cfg *config.Config, dcfg *config.DataConfig, store *analysis.Store, logger *storage.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		dcfg:   dcfg,
		store:  store,
		pusher: datapush.NewPusher(cfg.Push.Webhook, cfg.Push.Keyword),
		logger: logger,
	}
}

// SetPusher 替换通知推送器，nil 表示不推送
func (r *Runner) SetPusher(p *datapush.Pusher) {
	r.pusher = p
}

// LatestResult 最近一次成功运行的结果
func (r *Runner) LatestResult() *processor.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// ParquetPath 清洗结果文件路径
func (r *Runner) ParquetPath() string {
	return filepath.Join(r.cfg.ProcessedDir, r.cfg.Output.Parquet)
}

func (r *Runner) xlsxPath() string {
	if r.cfg.Output.XLSX == "" {
		return ""
	}
	return filepath.Join(r.cfg.ProcessedDir, r.cfg.Output.XLSX)
}

// Run 处理一个原始数据文件。校验或清洗失败时不写出任何结果，
// 之前的结果保持不变；通知失败只记日志。
func (r *Runner) Run(ctx context.Context, path string) (*processor.Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	t1 := time.Now()
	r.logger.Info(fmt.Sprintf("读取数据文件: %s", path))

	raw, err := file.ReadDataset(path, r.dcfg.Aliases())
	if err != nil {
		return nil, fmt.Errorf("读取数据失败: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rules, err := processor.NewRuleSet(r.dcfg.GetRules())
	if err != nil {
		return nil, fmt.Errorf("规则配置无效: %w", err)
	}
	res, err := processor.NewPipeline(rules, r.logger).Run(raw)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ds := res.Dataset()
	if err := storage.WriteParquet(r.ParquetPath(), ds); err != nil {
		return nil, err
	}
	r.logger.Info(fmt.Sprintf("清洗结果已写入: %s (%d 行)", r.ParquetPath(), ds.Nrow()))

	if xlsx := r.xlsxPath(); xlsx != "" {
		if err := utils.SaveToExcel(ds, xlsx); err != nil {
			r.logger.Warning(fmt.Sprintf("导出Excel失败: %v", err))
		}
	}

	if r.store != nil {
		if err := r.store.Load(ctx, ds, r.zones()); err != nil {
			return nil, fmt.Errorf("加载分析库失败: %w", err)
		}
	}

	r.mu.Lock()
	r.latest = res
	r.mu.Unlock()

	r.logger.Info(fmt.Sprintf("处理完成，耗时: %v", time.Since(t1)))
	r.notify(ctx, res)
	return res, nil
}

// Restore 从上次写出的 Parquet 重新加载分析库，用于原始文件缺失时启动服务
func (r *Runner) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	path := r.ParquetPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ErrNoDataset
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	ds, err := storage.ReadParquet(path)
	if err != nil {
		return err
	}
	if err := r.store.Load(ctx, ds, r.zones()); err != nil {
		return fmt.Errorf("加载分析库失败: %w", err)
	}
	r.logger.Info(fmt.Sprintf("已从 %s 恢复 %d 行", path, ds.Nrow()))
	return nil
}

// Overview 读取已写出的清洗结果生成数据概览，尚无结果文件时返回 nil
func (r *Runner) Overview() (*analysis.Overview, error) {
	path := r.ParquetPath()
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.ovMu.Lock()
	defer r.ovMu.Unlock()
	if r.ov != nil && info.ModTime().Equal(r.ovStat.ModTime()) && info.Size() == r.ovStat.Size() {
		return r.ov, nil
	}

	ds, err := storage.ReadParquet(path)
	if err != nil {
		return nil, err
	}
	r.ov, r.ovStat = analysis.BuildOverview(ds), info
	return r.ov, nil
}

// zones 区域对照表缺失时返回空表，分析中显示为 Unknown
func (r *Runner) zones() dataframe.DataFrame {
	if r.cfg.Source.ZoneFile == "" {
		return dataframe.DataFrame{}
	}
	path := filepath.Join(r.cfg.RawDir, r.cfg.Source.ZoneFile)
	df, err := file.ReadZones(path)
	if err != nil {
		r.logger.Warning(fmt.Sprintf("区域对照表不可用: %v", err))
		return dataframe.DataFrame{}
	}
	return df
}

func (r *Runner) notify(ctx context.Context, res *processor.Result) {
	if err := r.pusher.PushReport(ctx, res); err != nil {
		r.logger.Warning(fmt.Sprintf("推送报告失败: %v", err))
	}

	if r.cfg.SendEmail.Server == "" || len(r.cfg.SendEmail.To) == 0 {
		return
	}
	if err := email.SendReport(r.cfg, res, r.xlsxPath()); err != nil {
		r.logger.Warning(fmt.Sprintf("发送报告邮件失败: %v", err))
		return
	}
	r.logger.Info("报告邮件已发送")
}
