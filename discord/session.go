package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Session adapts a REST-only discordgo session to Client. The gateway is never opened.
type Session struct {
	s *discordgo.Session
}

// NewSession creates a bot session from a token.
func NewSession(token string) (*Session, error) {
	if token == "" {
		return nil, errors.New("discord: token is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Client = &http.Client{Timeout: 15 * time.Second}
	return &Session{s: s}, nil
}

var _ Client = (*Session)(nil)

// CreateMessage posts msg and returns the new message id.
func (d *Session) CreateMessage(ctx context.Context, channelID string, msg Message) (string, error) {
	send := &discordgo.MessageSend{
		Content:         msg.Content,
		AllowedMentions: allowedMentions(msg.MentionRoles),
	}
	if msg.Embed != nil {
		send.Embeds = []*discordgo.MessageEmbed{buildEmbed(msg.Embed)}
	}
	m, err := d.s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return m.ID, nil
}

// EditMessage replaces content and embed of an existing message.
func (d *Session) EditMessage(ctx context.Context, channelID, messageID string, msg Message) error {
	embeds := []*discordgo.MessageEmbed{}
	if msg.Embed != nil {
		embeds = append(embeds, buildEmbed(msg.Embed))
	}
	edit := discordgo.NewMessageEdit(channelID, messageID).
		SetContent(msg.Content).
		SetEmbeds(embeds)
	edit.AllowedMentions = allowedMentions(msg.MentionRoles)
	_, err := d.s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return classify(err)
}

// DeleteMessage deletes a message.
func (d *Session) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return classify(d.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

// Channel resolves a channel by id.
func (d *Session) Channel(ctx context.Context, channelID string) (*Channel, error) {
	c, err := d.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return &Channel{ID: c.ID, GuildID: c.GuildID, Name: c.Name}, nil
}

// Role resolves a role of a guild. Discord has no single-role endpoint, so the guild's role
// list is fetched and searched.
func (d *Session) Role(ctx context.Context, guildID, roleID string) (*Role, error) {
	roles, err := d.s.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	for _, r := range roles {
		if r.ID == roleID {
			return &Role{ID: r.ID, Name: r.Name}, nil
		}
	}
	return nil, ErrNotFound
}

func allowedMentions(roles []string) *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Roles: append([]string{}, roles...)}
}

func buildEmbed(e *Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		URL:         e.URL,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.AuthorName != "" {
		out.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName, URL: e.AuthorURL, IconURL: e.AuthorIconURL}
	}
	if e.ThumbnailURL != "" {
		out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
	}
	if e.ImageURL != "" {
		out.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	if e.Footer != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

// classify maps discordgo REST failures onto ErrNotFound / ErrForbidden. Other errors are
// wrapped unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return fmt.Errorf("discord: %w", err)
}
