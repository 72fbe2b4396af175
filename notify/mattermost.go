// Package notify posts experiment events to the group chat, so an operator
// away from the rig still hears about quenches and finished ramps.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	mm "github.com/mattermost/mattermost/server/public/model"
)

// Settings locates the channel that receives rig events.
type Settings struct {
	ServerURL   string `yaml:"url"`
	AccessToken string `yaml:"token"`
	TeamName    string `yaml:"team"`
	ChannelName string `yaml:"channel"`
}

// Enabled reports whether the settings are complete enough to post.
func (s Settings) Enabled() bool {
	return s.ServerURL != "" && s.AccessToken != ""
}

// Mattermost posts one-line events to a channel. Posting is asynchronous
// and failures are logged and swallowed; the rig never waits on chat.
type Mattermost struct {
	client    *mm.Client4
	channelID string
	queue     chan string
}

// NewMattermost resolves the channel and starts the posting goroutine.
func NewMattermost(settings Settings) (*Mattermost, error) {
	client := mm.NewAPIv4Client(settings.ServerURL)
	client.SetToken(settings.AccessToken)

	channel, _, err := client.GetChannelByNameForTeamName(
		context.Background(), settings.ChannelName, settings.TeamName, "")
	if err != nil {
		return nil, fmt.Errorf("could not get channel from mattermost: %w", err)
	}

	n := &Mattermost{
		client:    client,
		channelID: channel.Id,
		queue:     make(chan string, 32),
	}
	go n.poster()
	return n, nil
}

// Notify queues one event line. A full queue drops to the local log.
func (n *Mattermost) Notify(event string) {
	select {
	case n.queue <- event:
	default:
		log.Printf("notification queue full, dropped: %s\n", event)
	}
}

func (n *Mattermost) poster() {
	for event := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := n.client.CreatePost(ctx, &mm.Post{
			ChannelId: n.channelID,
			Message:   event,
		})
		cancel()
		if err != nil {
			log.Printf("could not post to mattermost: %v\n", err)
		}
	}
}
