package util

import (
	"regexp"
	"strings"
)

// FirstNonEmpty 返回第一个非空 (trim 后) 的字符串。
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// TruncateChars 按字符数截断字符串, 超长时追加省略标记。
// 用于日志预览与通知正文的长度控制。
func TruncateChars(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// ansiPattern 匹配 CSI/OSC 转义序列 (终端采集文本中常见)。
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*(\x07|\x1b\\)`)

// StripANSI 去除文本中的 ANSI 终端控制序列。
// 终端采集输出在镜像到聊天桥之前必须先清洗。
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// LastNonEmptyLine 返回文本最后一个非空行 (trim 后)。
// 终端空闲提示符检测依赖此函数。
func LastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
