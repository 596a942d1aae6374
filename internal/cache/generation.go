package cache

import (
	"regexp"
	"strings"
)

var generationPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// GenerationName 拼接 <prefix>-<version>，例如 phone-keypad + v3 → phone-keypad-v3。
func GenerationName(prefix, version string) string {
	return strings.TrimSpace(prefix) + "-" + strings.TrimSpace(version)
}

// ValidGenerationName 校验代际名称可以安全地用作目录名与键前缀。
// 不允许以 "." 开头，fs 驱动使用点号前缀的目录存放临时数据。
func ValidGenerationName(name string) bool {
	return generationPattern.MatchString(name)
}

