package botlib

import (
	"context"
	"errors"
	"time"

	"github.com/aeolun/darkroom/pkg/client"
)

// connect dials until the server accepts the bot. A ban or a wrong password
// ends the attempt at once; a taken nickname does too on the first join,
// but after a drop the old session may still be registered so it is retried.
func (b *Bot) connect(ctx context.Context, rejoin bool) (*client.Client, error) {
	delay := b.config.ReconnectDelay
	for attempt := 1; ; attempt++ {
		c, err := client.Dial(ctx, b.config.Server, client.Config{
			Nickname: b.config.Nickname,
			Password: b.config.Password,
			// bots never download files
			AcceptFile: func(string, string) bool { return false },
		})
		if err == nil {
			return c, nil
		}
		if fatal(err, rejoin) {
			return nil, err
		}

		b.logger.Printf("Connect attempt %d failed: %v (retrying in %v)", attempt, err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, b.config.MaxReconnectDelay)
	}
}

func fatal(err error, rejoin bool) bool {
	switch {
	case errors.Is(err, client.ErrBanned), errors.Is(err, client.ErrAuthRejected):
		return true
	case errors.Is(err, client.ErrNicknameRejected):
		return !rejoin
	}
	return false
}
