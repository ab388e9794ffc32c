package testutil

import (
	"context"
	"strconv"
	"sync"

	"github.com/onnwee/livewatch/discord"
)

// SentMessage is a message held by FakeDiscord.
type SentMessage struct {
	ID        string
	ChannelID string
	Message   discord.Message
	Edits     int
}

// FakeDiscord is an in-memory discord.Client. Error maps are consulted before the operation is
// applied; entries stay until removed.
type FakeDiscord struct {
	mu       sync.Mutex
	next     int
	messages map[string]*SentMessage
	// Channels maps channel id to guild id. Unknown channels resolve to ErrNotFound.
	Channels map[string]string
	// Roles maps guild id to its role ids.
	Roles map[string][]string

	ChannelErr map[string]error
	CreateErr  map[string]error
	EditErr    map[string]error
	DeleteErr  map[string]error

	Creates int
	Deletes int
}

// NewFakeDiscord returns an empty fake.
func NewFakeDiscord() *FakeDiscord {
	return &FakeDiscord{
		messages:   map[string]*SentMessage{},
		Channels:   map[string]string{},
		Roles:      map[string][]string{},
		ChannelErr: map[string]error{},
		CreateErr:  map[string]error{},
		EditErr:    map[string]error{},
		DeleteErr:  map[string]error{},
	}
}

var _ discord.Client = (*FakeDiscord)(nil)

// AddChannel registers a resolvable channel.
func (f *FakeDiscord) AddChannel(guildID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Channels[channelID] = guildID
}

// RemoveChannel makes a channel unresolvable.
func (f *FakeDiscord) RemoveChannel(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Channels, channelID)
}

// SetCreateErr makes CreateMessage on channelID fail with err; nil clears it.
func (f *FakeDiscord) SetCreateErr(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.CreateErr, channelID)
		return
	}
	f.CreateErr[channelID] = err
}

// SetEditErr makes EditMessage on messageID fail with err; nil clears it.
func (f *FakeDiscord) SetEditErr(messageID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.EditErr, messageID)
		return
	}
	f.EditErr[messageID] = err
}

// CreateMessage implements discord.Client.
func (f *FakeDiscord) CreateMessage(_ context.Context, channelID string, msg discord.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.CreateErr[channelID]; err != nil {
		return "", err
	}
	f.next++
	f.Creates++
	id := "m" + strconv.Itoa(f.next)
	f.messages[id] = &SentMessage{ID: id, ChannelID: channelID, Message: msg}
	return id, nil
}

// EditMessage implements discord.Client.
func (f *FakeDiscord) EditMessage(_ context.Context, channelID, messageID string, msg discord.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.EditErr[messageID]; err != nil {
		return err
	}
	m, ok := f.messages[messageID]
	if !ok || m.ChannelID != channelID {
		return discord.ErrNotFound
	}
	m.Message = msg
	m.Edits++
	return nil
}

// DeleteMessage implements discord.Client.
func (f *FakeDiscord) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DeleteErr[messageID]; err != nil {
		return err
	}
	m, ok := f.messages[messageID]
	if !ok || m.ChannelID != channelID {
		return discord.ErrNotFound
	}
	delete(f.messages, messageID)
	f.Deletes++
	return nil
}

// Channel implements discord.Client.
func (f *FakeDiscord) Channel(_ context.Context, channelID string) (*discord.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ChannelErr[channelID]; err != nil {
		return nil, err
	}
	guild, ok := f.Channels[channelID]
	if !ok {
		return nil, discord.ErrNotFound
	}
	return &discord.Channel{ID: channelID, GuildID: guild}, nil
}

// Role implements discord.Client.
func (f *FakeDiscord) Role(_ context.Context, guildID, roleID string) (*discord.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Roles[guildID] {
		if r == roleID {
			return &discord.Role{ID: r}, nil
		}
	}
	return nil, discord.ErrNotFound
}

// Message returns a copy of a live message.
func (f *FakeDiscord) Message(id string) (SentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return SentMessage{}, false
	}
	return *m, true
}

// Messages returns copies of all live messages.
func (f *FakeDiscord) Messages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, *m)
	}
	return out
}
