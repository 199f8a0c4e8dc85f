package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// 通知运行中的服务重新打开日志文件(日志切割后调用)
func main() {
	pidFile := flag.String("pid", "taxiquality.pid", "服务写入的pid文件")
	flag.Parse()

	pid, err := readPid(*pidFile)
	if err != nil {
		log.Fatal("Failed to read pid:", err)
	}

	// 向服务进程发送 SIGHUP
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		log.Fatal("Failed to send SIGHUP:", err)
	}
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %q", path, data)
	}
	return pid, nil
}
