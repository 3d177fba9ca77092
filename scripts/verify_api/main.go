package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/workspace-chat/pkg/client/api"
	"github.com/mahaj/workspace-chat/pkg/client/tokenstore"
	"github.com/mahaj/workspace-chat/pkg/model"
)

// Smoke-tests a running API: logs in, then reads the DM history with a peer.
func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	email := flag.String("email", "alice@example.com", "account email")
	password := flag.String("password", "", "account password")
	peer := flag.String("peer", "", "user id whose DM history to fetch")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tokens := tokenstore.New(tokenstore.NewMemoryStorage())
	client := api.New(*apiAddr, tokens, api.WithTimeout(10*time.Second))

	token, profile, err := client.Login(ctx, *email, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}
	if err := tokens.Save(ctx, token); err != nil {
		log.Fatal().Err(err).Msg("store token")
	}
	fmt.Printf("Logged in as %s (%s)\n", profile.Username, profile.ID)

	me, err := client.CurrentUser(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("current user request failed")
	}
	fmt.Printf("Profile: %s <%s>\n", me.Username, me.Email)

	convs, err := client.Conversations(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("conversations request failed")
	}
	for _, c := range convs {
		fmt.Printf("Conversation with %s: %d unread\n", c.OtherUserID, c.UnreadCount)
	}

	if *peer == "" {
		return
	}
	channelID := model.DMChannelID(profile.ID, *peer)
	fmt.Printf("Fetching history for %s...\n", channelID)
	msgs, err := client.FetchChannelMessages(ctx, channelID, 50, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("history request failed")
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.UserID, m.Content)
	}
}
