package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

// BuildSessionErrorMessage creates Block Kit blocks for a session that
// entered the error state.
func BuildSessionErrorMessage(tabID, message string) []goslack.Block {
	text := fmt.Sprintf(":x: *Session error* on tab `%s`\n\n%s", tabID, truncateForSlack(message))
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildPermissionWaitingMessage creates Block Kit blocks for a permission
// prompt nobody is connected to answer.
func BuildPermissionWaitingMessage(tabID, toolName string) []goslack.Block {
	text := fmt.Sprintf(":bell: *Permission needed* on tab `%s`\n`%s` is waiting for approval and no device is connected.",
		tabID, toolName)
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
