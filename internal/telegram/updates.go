package telegram

import (
	"strings"

	"github.com/go-telegram/bot/models"
)

type updateMeta struct {
	from       *models.User
	userID     int64
	chatID     int64
	text       string
	updateType string
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			from:       update.Message.From,
			userID:     userID(update.Message.From),
			chatID:     update.Message.Chat.ID,
			text:       strings.TrimSpace(update.Message.Text),
			updateType: "message",
		}
	case update.EditedMessage != nil:
		return updateMeta{
			from:       update.EditedMessage.From,
			userID:     userID(update.EditedMessage.From),
			chatID:     update.EditedMessage.Chat.ID,
			text:       strings.TrimSpace(update.EditedMessage.Text),
			updateType: "edited_message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			from:       &update.CallbackQuery.From,
			userID:     update.CallbackQuery.From.ID,
			chatID:     messageChatID(update.CallbackQuery.Message),
			text:       strings.TrimSpace(update.CallbackQuery.Data),
			updateType: "callback_query",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

// command splits "/name@bot arg1 arg2" into a lowercase name and the rest of
// the text. ok is false for non-command text.
func command(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	head, rest, _ := strings.Cut(text, " ")
	head, _, _ = strings.Cut(head[1:], "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return msg.Message.Chat.ID
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return msg.InaccessibleMessage.Chat.ID
	default:
		return 0
	}
}
