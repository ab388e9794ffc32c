package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/onnwee/livewatch/discord"
	"github.com/onnwee/livewatch/track"
)

// Mention is the resolved mention line of a target.
type Mention struct {
	RoleID string
	Text   string
	Color  *int
}

// Content renders the message content: the role ping followed by the free text.
func (m Mention) Content() string {
	var parts []string
	if m.RoleID != "" {
		parts = append(parts, "<@&"+m.RoleID+">")
	}
	if m.Text != "" {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, " ")
}

// Roles is the allowed-mentions list for the message.
func (m Mention) Roles() []string {
	if m.RoleID == "" {
		return nil
	}
	return []string{m.RoleID}
}

// ResolveMention loads the target's mention config and checks the role still exists. A role
// Discord no longer knows is cleared from the config; the config itself survives when it still
// has text. Lookup failures other than NotFound keep the role so a flaky API never drops a ping.
func (e *Engine) ResolveMention(ctx context.Context, t track.Target) Mention {
	cfg, err := e.store.Mention(ctx, t.ID)
	if err != nil {
		if !errors.Is(err, track.ErrNotFound) {
			e.log.Warn("load mention config", slog.Int64("target_id", t.ID), slog.Any("err", err))
		}
		return Mention{}
	}
	m := Mention{RoleID: cfg.RoleID, Text: cfg.Text, Color: cfg.EmbedColor}
	if m.RoleID == "" {
		return m
	}
	_, err = e.discord.Role(ctx, t.GuildID, m.RoleID)
	switch {
	case errors.Is(err, discord.ErrNotFound):
		deleted, cerr := e.store.ClearMentionRole(ctx, t.ID)
		if cerr != nil && !errors.Is(cerr, track.ErrNotFound) {
			e.log.Warn("clear missing mention role", slog.Int64("target_id", t.ID), slog.Any("err", cerr))
		}
		e.log.Info("mention role gone, cleared",
			slog.Int64("target_id", t.ID),
			slog.String("role_id", m.RoleID),
			slog.Bool("config_deleted", deleted))
		m.RoleID = ""
	case err != nil:
		e.log.Warn("resolve mention role", slog.String("role_id", m.RoleID), slog.Any("err", err))
	}
	return m
}
