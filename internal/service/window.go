// Package service 包含了应用的业务逻辑层。
package service

import (
	"strings"

	"comms-rag-go/internal/model"
)

// BuildConversationWindow 组装受字节预算约束的对话窗口。
//
// priorNewestFirst 按从新到旧排列。从最近的轮次开始累计字节长度，
// 会把累计值推过 maxBytes 的那一轮不再纳入并停止扫描；纳入的轮次恢复为
// 时间正序，以换行连接，新提问作为最后一行追加。纯函数，无副作用。
func BuildConversationWindow(priorNewestFirst []model.SessionMessage, newPrompt string, maxBytes int) string {
	var included []string
	accumulated := 0
	for _, turn := range priorNewestFirst {
		line := turn.Role + ": " + turn.Content
		if accumulated+len(line) > maxBytes {
			break
		}
		accumulated += len(line)
		included = append(included, line)
	}

	// 反转回时间正序
	var builder strings.Builder
	for i := len(included) - 1; i >= 0; i-- {
		builder.WriteString(included[i])
		builder.WriteString("\n")
	}
	builder.WriteString(newPrompt)
	return builder.String()
}
