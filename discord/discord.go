// Package discord is the Discord REST capability the notification pipeline needs: message
// create/edit/delete and channel/role resolution, each failing with typed NotFound/Forbidden
// errors the pipeline uses to self-heal.
package discord

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the channel, message or role no longer exists.
	ErrNotFound = errors.New("discord: not found")
	// ErrForbidden means the bot lacks permission for the operation.
	ErrForbidden = errors.New("discord: forbidden")
)

// Field is one embed field.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Embed carries the data a notification message shows. Layout is left to the adapter.
type Embed struct {
	Title         string
	URL           string
	Description   string
	Color         int
	AuthorName    string
	AuthorURL     string
	AuthorIconURL string
	ThumbnailURL  string
	ImageURL      string
	Footer        string
	Timestamp     time.Time
	Fields        []Field
}

// Message is an outgoing message. MentionRoles lists the role ids allowed to ping; any other
// mention in Content is rendered but silent.
type Message struct {
	Content      string
	Embed        *Embed
	MentionRoles []string
}

// Channel is a resolved guild channel.
type Channel struct {
	ID      string
	GuildID string
	Name    string
}

// Role is a resolved guild role.
type Role struct {
	ID   string
	Name string
}

// Client is the Discord capability consumed by the registry and the notification engine.
type Client interface {
	CreateMessage(ctx context.Context, channelID string, msg Message) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, msg Message) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	Channel(ctx context.Context, channelID string) (*Channel, error)
	Role(ctx context.Context, guildID, roleID string) (*Role, error)
}

// IsGone reports whether err means the resource cannot be used anymore, either because it was
// deleted or because the bot lost access to it.
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}
