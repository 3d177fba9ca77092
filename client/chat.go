package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	chat "github.com/mahaj/workspace-chat/pkg/client"
	"github.com/mahaj/workspace-chat/pkg/client/events"
	"github.com/mahaj/workspace-chat/pkg/client/session"
	"github.com/mahaj/workspace-chat/pkg/client/timeline"
	"github.com/mahaj/workspace-chat/pkg/model"
)

const chatHelp = "Commands: /more loads older messages, /extend keeps the session alive, /typing signals typing, /quit leaves."

func (a *app) chatCmd() *cobra.Command {
	var dmUser string
	cmd := &cobra.Command{
		Use:   "chat [channel]",
		Short: "Open a channel (default general) or a direct message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			snap := c.Session()
			if !snap.Authenticated {
				return errors.New("not logged in; run: chat login")
			}
			channelID := "general"
			if len(args) == 1 {
				channelID = args[0]
			}
			if dmUser != "" {
				channelID = model.DMChannelID(snap.Profile.ID, dmUser)
			}
			return runChat(cmd.Context(), c, channelID, snap.Profile.ID)
		},
	}
	cmd.Flags().StringVar(&dmUser, "dm", "", "user id to message directly (overrides the channel argument)")
	return cmd
}

func runChat(ctx context.Context, c *chat.Client, channelID, self string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := c.Subscribe(64)
	defer sub.Close()

	ended := make(chan struct{})
	var endOnce sync.Once
	var warned bool
	c.OnSessionChange(func(s session.Snapshot) {
		switch {
		case !s.Authenticated:
			endOnce.Do(func() { close(ended) })
		case s.Warning != nil:
			if !warned || s.TimeLeft%(30*time.Second) < time.Second {
				fmt.Printf("\r! Idle: logging out in %s. Type /extend to stay.\n> ", s.TimeLeft.Round(time.Second))
			}
			warned = true
		default:
			warned = false
		}
	})

	tl, err := c.OpenChannel(ctx, channelID)
	if err != nil {
		return err
	}
	fmt.Printf("Joined %s. %s\n", channelID, chatHelp)
	printTimeline(tl.Messages)
	loaded := len(tl.Messages)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ended:
				fmt.Println("\rSession ended. Log in again to continue.")
				cancel()
				return nil
			case e := <-sub.C:
				printEvent(e, channelID, self)
			}
		}
	})
	g.Go(func() error {
		lines := make(chan string)
		go func() {
			defer close(lines)
			for {
				line, err := stdin.ReadString('\n')
				if line != "" {
					lines <- strings.TrimRight(line, "\r\n")
				}
				if err != nil {
					return
				}
			}
		}()

		fmt.Print("> ")
		for {
			var line string
			var ok bool
			select {
			case <-gctx.Done():
				return nil
			case line, ok = <-lines:
				if !ok {
					cancel()
					return nil
				}
			}
			c.RecordActivity()

			switch line {
			case "":
			case "/quit":
				cancel()
				return nil
			case "/extend":
				c.ExtendSession()
			case "/typing":
				if err := c.SetTyping(gctx, channelID, true); err != nil {
					fmt.Println("! typing:", err)
				}
			case "/more":
				older, err := c.LoadHistory(gctx, channelID, loaded)
				if err != nil {
					fmt.Println("! history:", err)
					break
				}
				loaded += len(older)
				printTimeline(older)
			default:
				if err := c.SendMessage(gctx, channelID, line); err != nil {
					fmt.Println("! send:", err)
				}
			}
			fmt.Print("> ")
		}
	})

	err = g.Wait()
	c.CloseChannel(context.Background(), channelID)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func printTimeline(msgs []model.Message) {
	for _, group := range timeline.GroupByDate(msgs, nil) {
		fmt.Printf("--- %s ---\n", group.Date)
		for _, m := range group.Messages {
			printMessage(m)
		}
	}
}

func printMessage(m model.Message) {
	fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.UserID, m.Content)
	for _, att := range m.Attachments {
		fmt.Printf("    attachment: %s (%s)\n", att.Name, att.URL)
	}
}

func printEvent(e events.Event, channelID, self string) {
	switch e := e.(type) {
	case events.NewMessage:
		if e.Message.ChannelID != channelID {
			return
		}
		fmt.Print("\r")
		printMessage(e.Message)
	case events.Typing:
		if e.Signal.ChannelID != channelID || e.Signal.UserID == self || !e.Signal.IsTyping {
			return
		}
		fmt.Printf("\r%s is typing...\n", e.Signal.UserID)
	case events.Presence:
		if e.Presence.ChannelID != channelID || e.Presence.UserID == self {
			return
		}
		fmt.Printf("\r%s %s\n", e.Presence.UserID, e.Presence.Status)
	case events.Disconnected:
		if !e.Voluntary {
			fmt.Println("\r! connection lost, reconnecting...")
		}
	case events.ReconnectAttempt:
		fmt.Printf("\r! reconnect attempt %d\n", e.Attempt)
	case events.Reconnected:
		fmt.Println("\r! reconnected")
	case events.ReconnectFailed:
		fmt.Println("\r! could not reach the chat server:", e.Err)
	default:
		return
	}
	fmt.Print("> ")
}
