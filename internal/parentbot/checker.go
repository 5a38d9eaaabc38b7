package parentbot

import (
	"context"
	"errors"
	"sync/atomic"

	tele "gopkg.in/telebot.v4"
)

var errNotReady = errors.New("parentbot: bot not started yet")

// ChannelChecker answers membership questions about the private channel
// through the parent bot's API credentials. Checks made before the bot is
// up return an error, which the monitor treats as "unknown".
type ChannelChecker struct {
	channelID int64
	bot       atomic.Pointer[tele.Bot]
}

func NewChannelChecker(channelID int64) *ChannelChecker {
	return &ChannelChecker{channelID: channelID}
}

func (c *ChannelChecker) attach(bot *tele.Bot) {
	c.bot.Store(bot)
}

// IsMember reports whether the user currently belongs to the channel.
// "left" and "kicked" roles count as absent; everything else as present.
func (c *ChannelChecker) IsMember(ctx context.Context, userID int64) (bool, error) {
	bot := c.bot.Load()
	if bot == nil {
		return false, errNotReady
	}
	member, err := bot.ChatMemberOf(&tele.Chat{ID: c.channelID}, &tele.User{ID: userID})
	if err != nil {
		return false, err
	}
	switch member.Role {
	case tele.Left, tele.Kicked:
		return false, nil
	}
	return true, nil
}
