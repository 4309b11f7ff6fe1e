package approval

import (
	"fmt"
	"strings"

	"github.com/stoewer/go-strcase"

	"github.com/loomchat/loom/pkg/chat"
)

// Risk categories matched against normalized tool names. The derived level is
// advisory: it shapes the note shown to the reviewer, never whether approval
// is required.
var riskCategories = []struct {
	level    chat.RiskLevel
	label    string
	keywords []string
}{
	{chat.RiskHigh, "may delete or destroy data",
		[]string{"delete", "remove", "rm", "drop", "destroy", "wipe", "truncate"}},
	{chat.RiskHigh, "executes arbitrary commands",
		[]string{"bash", "shell", "exec", "command", "eval", "spawn", "subprocess"}},
	{chat.RiskMedium, "sends data to external endpoints",
		[]string{"upload", "post", "put", "send", "publish", "submit", "email"}},
}

// Classify derives an advisory risk level and a human-readable note from the
// tool-call set. Used when the engine does not supply a level itself.
func Classify(calls []chat.ToolCall) (chat.RiskLevel, string) {
	level := chat.RiskLow
	var notes []string

	for _, call := range calls {
		name := strcase.SnakeCase(call.Name)
		parts := strings.Split(name, "_")

		for _, category := range riskCategories {
			if !matchesAny(parts, category.keywords) {
				continue
			}
			notes = append(notes, fmt.Sprintf("%s %s", call.Name, category.label))
			if severity(category.level) > severity(level) {
				level = category.level
			}
			break
		}
	}

	return level, strings.Join(notes, "; ")
}

func matchesAny(parts []string, keywords []string) bool {
	for _, part := range parts {
		for _, keyword := range keywords {
			if part == keyword {
				return true
			}
		}
	}
	return false
}

func severity(level chat.RiskLevel) int {
	switch level {
	case chat.RiskHigh:
		return 3
	case chat.RiskMedium:
		return 2
	case chat.RiskLow:
		return 1
	default:
		return 0
	}
}
