// email_handler.go
package email

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"taxiquality/src/datasource/file"
	"taxiquality/src/storage"
)

// ====================== 邮件处理器实现 ======================

// DatasetAttachmentHandler 把数据文件附件保存到收件目录，由目录监控触发清洗
type DatasetAttachmentHandler struct {
	InboxDir      string          // 附件保存目录
	logger        *storage.Logger // 可为nil
	processedUIDs map[uint32]bool // 已处理邮件UID记录
	mu            sync.RWMutex    // 保护processedUIDs的读写锁
}

func NewDatasetAttachmentHandler(inboxDir string, logger *storage.Logger) *DatasetAttachmentHandler {
	return &DatasetAttachmentHandler{
		InboxDir:      inboxDir,
		logger:        logger,
		processedUIDs: make(map[uint32]bool),
	}
}

// IsProcessed 检查邮件是否已处理过（线程安全）
func (h *DatasetAttachmentHandler) IsProcessed(uid uint32) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.processedUIDs[uid]
}

// markAsProcessed 标记邮件为已处理（线程安全）
func (h *DatasetAttachmentHandler) markAsProcessed(uid uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processedUIDs[uid] = true
}

// Handle 保存 .csv/.xlsx/.parquet 附件，至少保存一个才标记为已处理
func (h *DatasetAttachmentHandler) Handle(email *Email) error {
	if h.IsProcessed(email.UID) {
		return nil
	}

	h.logger.Info(fmt.Sprintf("处理邮件: %s 发件人: %s 日期: %s",
		email.Subject, email.From, email.Date.Format("2006-01-02 15:04:05")))

	if err := os.MkdirAll(h.InboxDir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %v", err)
	}

	saved := 0
	for _, attachment := range email.Attachments {
		if !file.IsDatasetFile(attachment.Filename) {
			continue
		}

		// 只取文件名，防止附件名带路径
		filePath := filepath.Join(h.InboxDir, filepath.Base(attachment.Filename))
		if err := writeAtomic(filePath, attachment.Content); err != nil {
			return fmt.Errorf("保存附件失败: %v", err)
		}

		h.logger.Info(fmt.Sprintf("附件已保存到: %s", filePath))
		saved++
	}

	if saved > 0 {
		h.markAsProcessed(email.UID)
	}
	return nil
}

// writeAtomic 临时文件不带数据扩展名，监控只会看到改名后的完整文件
func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".attachment-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
