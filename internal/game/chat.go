package game

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/karwin/bookline-bot/internal/lichess"
)

// Chat commands let the opponent steer the opening book during casual
// games. Anything that does not start with "!" is ordinary chatter and
// is ignored.
const commandPrefix = "!"

func (s *Session) handleChat(ctx context.Context, ev lichess.GameEvent) {
	text := strings.TrimSpace(ev.Text)
	if !strings.HasPrefix(text, commandPrefix) {
		return
	}
	if strings.EqualFold(ev.Username, s.cfg.BotID) {
		return
	}
	if ev.Room != "player" {
		return
	}

	fields := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	s.log.Info("chat command",
		zap.String("from", ev.Username),
		zap.String("command", cmd))

	switch cmd {
	case "setplayer":
		s.cmdSetPlayer(ctx, args)
	case "unsetplayer":
		s.cmdUnsetPlayer(ctx)
	case "mode":
		s.cmdMode(ctx)
	default:
		s.sayf(ctx, "chat.unknown")
	}
}

// cmdSetPlayer points the book at a named player's games. Rated games keep
// the general book so opponents cannot steer us into their prep.
func (s *Session) cmdSetPlayer(ctx context.Context, args []string) {
	if s.rec != nil && s.rec.Rated {
		s.sayf(ctx, "chat.setplayer_casual_only")
		return
	}
	if len(args) != 1 {
		s.sayf(ctx, "chat.setplayer_usage")
		return
	}
	name := args[0]
	rating := 0
	if s.rec != nil {
		// Best effort; an unrated or unknown player keeps the full
		// rating ladder on general-book fallback.
		r, err := s.api.UserRating(ctx, name, s.rec.Variant)
		if err != nil {
			s.log.Debug("player rating lookup failed", zap.String("player", name), zap.Error(err))
		} else {
			rating = r
		}
	}
	s.selector.SetPlayer(name, rating)
	s.say(ctx, s.cat.MustRender("chat.setplayer_ok", map[string]any{"Player": name}))
}

func (s *Session) cmdUnsetPlayer(ctx context.Context) {
	s.selector.SetPlayer("", 0)
	s.sayf(ctx, "chat.unsetplayer_ok")
}

// cmdMode reports where the last played move came from.
func (s *Session) cmdMode(ctx context.Context) {
	mode := string(s.selector.LastSource())
	if mode == "" {
		mode = string(SourceBookGeneral)
	}
	s.say(ctx, s.cat.MustRender("chat.mode", map[string]any{"Mode": mode}))
}
