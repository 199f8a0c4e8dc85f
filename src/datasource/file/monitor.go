// monitor.go
package file

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileMonitor 监控目录中新到达的数据文件
type FileMonitor struct {
	watchDir string
	watcher  *fsnotify.Watcher
	lastMod  map[string]time.Time
	mu       sync.Mutex
}

func NewFileMonitor(dir string) (*FileMonitor, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &FileMonitor{
		watchDir: dir,
		watcher:  watcher,
		lastMod:  make(map[string]time.Time),
	}, nil
}

// Dir 被监控的目录
func (m *FileMonitor) Dir() string {
	return m.watchDir
}

// Close 停止监控
func (m *FileMonitor) Close() error {
	return m.watcher.Close()
}

// Watch 阻塞直到 ctx 结束；数据文件被创建或写入且修改时间变新时调用 handler
func (m *FileMonitor) Watch(ctx context.Context, handler func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !IsDatasetFile(event.Name) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}

			m.mu.Lock()
			if info.ModTime().After(m.lastMod[event.Name]) {
				m.lastMod[event.Name] = info.ModTime()
				go handler(event.Name)
			}
			m.mu.Unlock()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
