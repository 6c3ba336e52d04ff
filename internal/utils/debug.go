package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteInvalidJSONDebug 异步保存无法解析的下游JSON响应，便于排查
// dir 为空时不写入；同一requestID的多次调用会追加到同一文件中
func WriteInvalidJSONDebug(dir, requestID, target string, statusCode int, body []byte) {
	if dir == "" || requestID == "" {
		return
	}

	go func() {
		_ = writeDebugFile(dir, requestID, formatInvalidJSONDebug(requestID, target, statusCode, body))
	}()
}

func formatInvalidJSONDebug(requestID, target string, statusCode int, body []byte) string {
	var b strings.Builder
	b.WriteString("\n=== 下游JSON解析失败调试信息 ===\n")
	fmt.Fprintf(&b, "请求ID: %s\n", requestID)
	fmt.Fprintf(&b, "目标: %s\n", target)
	fmt.Fprintf(&b, "状态码: %d\n", statusCode)
	fmt.Fprintf(&b, "时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "响应长度: %d 字节\n", len(body))
	b.WriteString("=== 响应内容 ===\n")
	b.Write(body)
	b.WriteString("\n=== 分割线 ===\n\n")
	return b.String()
}

func writeDebugFile(dir, requestID, content string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	filename := filepath.Join(dir, filepath.Base(requestID)+".debug")
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(content)
	return err
}
