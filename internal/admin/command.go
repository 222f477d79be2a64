package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nous-labs/autoreply/pkg/settings"
)

// ErrUnknownCommand is returned by Execute for unrecognized commands.
var ErrUnknownCommand = errors.New("admin: unknown command")

const helpText = `Commands:
/status - current status
/on - enable auto-replies
/off - disable auto-replies
/pause <time> - pause (30m, 2h, until 23:00)
/resume - end the pause
/set <key> <value> - change a setting
/last_sender - id of the last direct-message sender
/help - this text

Keys: %s
Aliases: enabled, target_id, target, quiet_start, quiet_end, model, style, override`

// Execute runs one text command for ownerID and returns the reply text.
// User mistakes (bad arguments, invalid values) are reported in the reply
// text with a nil error; store failures are returned as errors.
func (s *Service) Execute(ctx context.Context, ownerID int64, line string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty", ErrUnknownCommand)
	}
	cmd := strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/status", "/start":
		st, err := s.Status(ctx, ownerID)
		if err != nil {
			return "", err
		}
		return st.String(), nil

	case "/on":
		if err := s.Enable(ctx, ownerID); err != nil {
			return "", err
		}
		return "Auto-replies enabled.", nil

	case "/off":
		if err := s.Disable(ctx, ownerID); err != nil {
			return "", err
		}
		return "Auto-replies disabled.", nil

	case "/pause":
		if len(args) == 0 {
			return "Usage:\n/pause 30m\n/pause 2h\n/pause until 23:00", nil
		}
		until, err := s.Pause(ctx, ownerID, strings.Join(args, " "))
		if err != nil {
			if errors.Is(err, ErrInvalidPause) {
				return "Could not parse the time. Examples: 30m, 2h, until 23:00", nil
			}
			return "", err
		}
		return fmt.Sprintf("Paused until %s.", until.Format("15:04")), nil

	case "/resume":
		if err := s.Resume(ctx, ownerID); err != nil {
			return "", err
		}
		return "Auto-replies resumed.", nil

	case "/set":
		if len(args) < 2 {
			return "Usage: /set <key> <value>\n\nExamples:\n/set target_id @alice:example.org\n/set timezone Europe/Amsterdam\n/set quiet_start 23:00\n/set quiet_mode queue", nil
		}
		key, value, err := s.Set(ctx, ownerID, args[0], strings.Join(args[1:], " "))
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			return verr.Error(), nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Done: %s=%s", key, shorten(value, 50)), nil

	case "/last_sender":
		id, err := s.LastSender(ctx, ownerID)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "No direct messages seen yet.", nil
		}
		return "Last sender: " + id, nil

	case "/help":
		return fmt.Sprintf(helpText, strings.Join(settings.AdminKeys(), ", ")), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
