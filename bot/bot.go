// Package bot pushes operator alerts for binding events to Telegram
package bot

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

var (
	bot          *tgbotapi.BotAPI
	targetChatID int64
)

// Init initializes the Telegram Bot
func Init(token string, authorizedChatIDStr string) error {
	var err error
	bot, err = tgbotapi.NewBotAPI(token)
	if err != nil {
		return err
	}

	bot.Debug = false
	log.Info().Str("account", bot.Self.UserName).Msg("telegram bot authorized")

	if authorizedChatIDStr != "" {
		id, err := strconv.ParseInt(authorizedChatIDStr, 10, 64)
		if err == nil {
			targetChatID = id
		}
	}

	return nil
}

// StartPolling starts the update loop
func StartPolling() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := bot.GetUpdatesChan(u)

	go func() {
		for update := range updates {
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			msg := tgbotapi.NewMessage(update.Message.Chat.ID, "")
			msg.ParseMode = "Markdown"

			switch update.Message.Command() {
			case "start":
				msg.Text = "🎫 *Tag binding alerts*\n\n" +
					"*Commands:*\n" +
					"/getid - show this chat id\n\n" +
					"Set the chat id as AUTHORIZED\\_CHAT\\_ID to receive binding alerts here."

			case "getid":
				msg.Text = fmt.Sprintf("Chat ID: `%d`", update.Message.Chat.ID)

			default:
				msg.Text = "Unknown command, use /start"
			}

			if _, err := bot.Send(msg); err != nil {
				log.Warn().Err(err).Msg("bot send error")
			}
		}
	}()
}

// SendNotification sends message to the authorized admin chat
func SendNotification(message string) {
	if bot == nil || targetChatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(targetChatID, message)
	msg.ParseMode = "Markdown"
	if _, err := bot.Send(msg); err != nil {
		log.Warn().Err(err).Msg("failed to send telegram alert")
	}
}
