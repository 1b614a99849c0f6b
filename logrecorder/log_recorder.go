package logrecorder

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)

	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// Recorder 把标准库 log 的输出重定向到按日期分目录的文件
type Recorder struct {
	base   string
	prefix string

	mu   sync.Mutex
	file *os.File
	path string
}

func NewRecorder(base, prefix string) *Recorder {
	return &Recorder{base: base, prefix: prefix}
}

// Path 返回当前日志文件路径
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Rotate 打开新的日志文件并关闭旧文件
func (r *Recorder) Rotate() error {
	dir, err := MakeDir(r.base)
	if err != nil {
		return err
	}
	logPath := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.prefix, NowString()))

	r.mu.Lock()
	defer r.mu.Unlock()
	if logPath == r.path {
		return nil
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	log.SetPrefix("")
	log.SetFlags(log.Ldate | log.Lmicroseconds)
	log.SetOutput(f)
	if r.file != nil {
		r.file.Close()
	}
	r.file, r.path = f, logPath
	return nil
}

// Close 把日志输出恢复到 stderr 并关闭文件
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.SetOutput(os.Stderr)
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.path = nil, ""
	return err
}

// InitAndRotate 初始化日志记录器，并每隔 every 轮换一次日志文件。
// 返回的 stop 函数停止轮换并关闭文件。
func InitAndRotate(base, prefix string, every time.Duration) (stop func(), err error) {
	r := NewRecorder(base, prefix)
	// 立即执行一次，以创建初始日志文件
	if err := r.Rotate(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := r.Rotate(); err != nil {
					// 如果轮换失败，记录错误信息到当前的日志输出
					log.Printf("日志轮换失败: %v", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			r.Close()
		})
	}, nil
}
