package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// 大文件下载不设整体超时，由 ctx 控制
var Client = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	},
}

// Download 下载 url 到 dest。dest 已存在时跳过并返回 false；
// 内容先写入同目录临时文件再改名，失败不会留下不完整的文件。
func Download(ctx context.Context, url, dest string) (bool, error) {
	if _, err := os.Stat(dest); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("检查文件失败: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false, fmt.Errorf("创建目录失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("创建请求失败: %w", err)
	}

	resp, err := Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("下载失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("下载失败: %s 返回 %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return false, fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return false, fmt.Errorf("写入文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return false, fmt.Errorf("保存文件失败: %w", err)
	}
	return true, nil
}
