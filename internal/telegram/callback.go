package telegram

import (
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/devgram/devgram/internal/commands"
)

// Callback actions routed by the inline-button handler.
const (
	// ActionProjectCommand invokes a project command; the parameter is the
	// command name (filename stem under .claude/commands/).
	ActionProjectCommand = "pcmd"

	// ActionChangeDirectory switches the user's working directory; the
	// parameter is the directory name relative to the approved root.
	ActionChangeDirectory = "cd"
)

// BuildCallbackData encodes an action and its parameter for callback_data.
// The wire format is ASCII, colon-delimited: "action:parameter".
func BuildCallbackData(action, param string) string {
	return action + ":" + param
}

// ParseCallbackData splits callback_data into action and parameter. The
// parameter is opaque and may itself contain colons.
func ParseCallbackData(data string) (action, param string, err error) {
	action, param, ok := strings.Cut(data, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed callback data %q", data)
	}
	return action, param, nil
}

// CommandsKeyboard lays out project commands as an inline-button grid.
func CommandsKeyboard(cmds []commands.Command, columns int) models.InlineKeyboardMarkup {
	if columns < 1 {
		columns = 2
	}

	var rows [][]models.InlineKeyboardButton
	var row []models.InlineKeyboardButton
	for _, cmd := range cmds {
		label := cmd.Description
		if label == "" {
			label = cmd.Name
		}
		row = append(row, models.InlineKeyboardButton{
			Text:         label,
			CallbackData: BuildCallbackData(ActionProjectCommand, cmd.Name),
		})
		if len(row) == columns {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// DirectoriesKeyboard lays out project directories as an inline-button grid.
func DirectoriesKeyboard(names []string, columns int) models.InlineKeyboardMarkup {
	if columns < 1 {
		columns = 2
	}

	var rows [][]models.InlineKeyboardButton
	var row []models.InlineKeyboardButton
	for _, name := range names {
		row = append(row, models.InlineKeyboardButton{
			Text:         "📁 " + name,
			CallbackData: BuildCallbackData(ActionChangeDirectory, name),
		})
		if len(row) == columns {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
