package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ringvote/internal/client"
	"ringvote/internal/logging"
	"ringvote/internal/protocol"
)

func main() {
	cfg := client.DefaultConfig()
	cfg.Logger = logging.NewLogrus(envOr("LOG_LEVEL", "warn"))

	c, err := client.New(cfg, printDelivery)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client failed to start: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx := context.Background()
	fmt.Println("Discovering leader...")
	if err := c.Discover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "discovery failed: %v\n", err)
		os.Exit(1)
	}
	if err := c.Register(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "registration failed: %v\n", err)
		os.Exit(1)
	}
	leader, _ := c.Leader()
	fmt.Printf("Registered as %s (leader %s)\n", c.ID(), leader)

	menu(ctx, c)
}

func menu(ctx context.Context, c *client.Client) {
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Println("\n--- Menu ---")
		fmt.Println("1) List groups")
		fmt.Println("2) Create group")
		fmt.Println("3) Join group")
		fmt.Println("4) Leave group")
		fmt.Println("5) My groups")
		fmt.Println("6) Start vote")
		fmt.Println("7) Cast ballot")
		fmt.Println("8) Exit")
		fmt.Print("Choose: ")
		if !in.Scan() {
			return
		}

		var err error
		switch strings.TrimSpace(in.Text()) {
		case "1":
			var groups []string
			if groups, err = c.ListGroups(ctx); err == nil {
				fmt.Printf("Groups: %v\n", groups)
			}
		case "2":
			err = c.CreateGroup(ctx, prompt(in, "Group name: "))
		case "3":
			err = c.JoinGroup(ctx, prompt(in, "Group name: "))
		case "4":
			err = c.LeaveGroup(ctx, prompt(in, "Group name: "))
		case "5":
			var groups []string
			if groups, err = c.ListJoined(ctx); err == nil {
				fmt.Printf("Joined: %v\n", groups)
			}
		case "6":
			group := prompt(in, "Group: ")
			topic := prompt(in, "Topic: ")
			options := strings.Split(prompt(in, "Options (comma-separated): "), ",")
			for i := range options {
				options[i] = strings.TrimSpace(options[i])
			}
			secs, _ := strconv.Atoi(prompt(in, "Timeout seconds: "))
			if secs <= 0 {
				secs = 30
			}
			var voteID string
			if voteID, err = c.StartVote(ctx, group, topic, options, time.Duration(secs)*time.Second); err == nil {
				fmt.Printf("Vote opened: %s\n", voteID)
			}
		case "7":
			voteID := prompt(in, "Vote id: ")
			opt, _ := strconv.Atoi(prompt(in, "Option index: "))
			err = c.CastBallot(ctx, voteID, opt)
		case "8":
			return
		default:
			fmt.Println("Invalid choice")
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func printDelivery(env *protocol.Envelope) {
	switch env.Tag {
	case protocol.TagVoteOpen:
		var p protocol.VoteOpen
		if protocol.DecodePayload(env, &p) == nil {
			fmt.Printf("\n>> Vote %s opened in %s: %q options=%v\n", p.VoteID, p.Group, p.Topic, p.Options)
		}
	case protocol.TagBallotCounted:
		var p protocol.BallotCounted
		if protocol.DecodePayload(env, &p) == nil {
			fmt.Printf("\n>> Ballot counted for %s (%d so far)\n", p.VoteID, p.Ballots)
		}
	case protocol.TagVoteResult:
		var p protocol.VoteResult
		if protocol.DecodePayload(env, &p) == nil {
			fmt.Printf("\n>> Vote %s result: counts=%v winner=%q\n", p.VoteID, p.Counts, p.Winner)
		}
	}
}

func prompt(in *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !in.Scan() {
		return ""
	}
	return strings.TrimSpace(in.Text())
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
