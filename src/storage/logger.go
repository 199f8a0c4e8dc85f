package storage

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogLevel 定义日志级别类型
type LogLevel int

// 日志级别常量定义
const (
	DEBUG   LogLevel = iota // 调试信息
	INFO                    // 普通信息
	WARNING                 // 警告信息
	ERROR                   // 错误信息
	FATAL                   // 致命错误
)

// Logger 日志记录器结构体
type Logger struct {
	file        *os.File      // 日志文件句柄，nil 表示只写 mirror
	filename    string        // 当前日志文件路径
	mirror      io.Writer     // 额外输出(如标准输出)
	level       LogLevel      // 最低记录级别
	mu          sync.Mutex    // 互斥锁，保证并发安全
	subscribers []chan string // 订阅者通道列表
}

// NewLogger 创建新的日志记录器
// 参数:
//
//	filename: 日志文件路径
//
// 返回值:
//
//	*Logger: 日志记录器实例
//	error: 创建过程中的错误
func NewLogger(filename string) (*Logger, error) {
	// 打开或创建日志文件，权限设置为0644
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:     file,
		filename: filename,
		level:    DEBUG,
	}, nil
}

// NewWriterLogger 创建只写入给定 writer 的日志记录器，用于测试和命令行
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{mirror: w, level: DEBUG}
}

// SetLevel 设置最低记录级别
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetMirror 额外输出到 w
func (l *Logger) SetMirror(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = w
}

// Close 关闭日志文件
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Reopen 重新打开一个文件
// 参数：
// filename：新文件的路径，为空则重新打开当前文件
// 返回值：
// error：重建文件时的错误
func (l *Logger) Reopen(filename string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if filename == "" {
		filename = l.filename
	}

	// 关闭旧文件
	if l.file != nil {
		_ = l.file.Close()
	}

	// 重新打开
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		l.file = nil
		return err
	}
	l.file = file
	l.filename = filename
	return nil
}

// Log 记录日志方法
// 参数:
//
//	level: 日志级别
//	message: 日志消息内容
func (l *Logger) Log(level LogLevel, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	// 格式化日志条目: [时间] 级别: 消息
	entry := fmt.Sprintf("[%s] %s: %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		level.String(),
		message)

	if l.file != nil {
		l.file.WriteString(entry)
	}
	if l.mirror != nil {
		io.WriteString(l.mirror, entry)
	}

	// 通知所有订阅者
	for _, ch := range l.subscribers {
		select {
		case ch <- entry:
		default: // 如果通道已满则跳过
		}
	}
}

// CheckRotate 文件超过 maxSize 表达式(如 "10 * 1024 * 1024")时轮转
func (l *Logger) CheckRotate(maxSize string) error {
	l.mu.Lock()
	file := l.file
	l.mu.Unlock()
	if file == nil {
		return nil
	}

	info, err := file.Stat()
	if err != nil {
		return err
	}

	limit := eval(maxSize)
	if limit > 0 && info.Size() > limit {
		return l.rotateLog()
	}
	return nil
}

func (l *Logger) rotateLog() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		ext := ".log"
		base := strings.TrimSuffix(l.filename, ext)
		os.Rename(l.filename, fmt.Sprintf("%s.%s%s", base, time.Now().Format("20060102150405"), ext))
	}

	var err error
	l.file, err = os.OpenFile(l.filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	return err
}

// Subscribe 订阅日志消息
// 返回值:
//
//	<-chan string: 只读通道，用于接收日志消息
func (l *Logger) Subscribe() <-chan string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan string, 100)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Unsubscribe 取消订阅
func (l *Logger) Unsubscribe(ch <-chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, sub := range l.subscribers {
		if sub == ch {
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// String 实现LogLevel的String方法
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析配置中的级别名，未知名称按 INFO 处理
func ParseLevel(name string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG
	case "WARNING", "WARN":
		return WARNING
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func eval(expr string) int64 {
	parts := strings.Split(expr, "*")
	var result int64 = 1
	for _, part := range parts {
		num, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return 0
		}
		result *= int64(num)
	}
	return result
}

// 以下是快捷日志方法
func (l *Logger) Debug(msg string)   { l.Log(DEBUG, msg) }   // 记录调试信息
func (l *Logger) Info(msg string)    { l.Log(INFO, msg) }    // 记录普通信息
func (l *Logger) Warning(msg string) { l.Log(WARNING, msg) } // 记录警告信息
func (l *Logger) Error(msg string)   { l.Log(ERROR, msg) }   // 记录错误信息
func (l *Logger) Fatal(msg string)   { l.Log(FATAL, msg) }   // 记录致命错误
