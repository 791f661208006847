// Command demo boots a three-server cluster in one process, registers
// two clients, runs a single-group vote and prints the result.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"ringvote/internal/client"
	"ringvote/internal/config"
	"ringvote/internal/logging"
	"ringvote/internal/node"
	"ringvote/internal/protocol"
)

const (
	clusterSize = 3
	basePort    = 6001
)

func main() {
	logger := logging.NewLogrus(envOr("LOG_LEVEL", "warn"))

	servers := bootCluster(logger)
	defer func() {
		for _, srv := range servers {
			srv.Stop()
		}
	}()

	// Let discovery and the first election converge.
	time.Sleep(4 * time.Second)
	for _, srv := range servers {
		leader, _ := srv.Leader()
		log.Printf("%s: role=%s leader=%s", srv.ID(), srv.Role(), leader)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resultCh := make(chan protocol.VoteResult, 2)
	deliver := func(env *protocol.Envelope) {
		logDelivery(env)
		if env.Tag == protocol.TagVoteResult {
			var p protocol.VoteResult
			if protocol.DecodePayload(env, &p) == nil {
				resultCh <- p
			}
		}
	}

	c1 := mustClient(logger, deliver)
	defer c1.Close()
	c2 := mustClient(logger, deliver)
	defer c2.Close()

	must(c1.Discover(ctx))
	must(c1.Register(ctx))
	must(c2.Discover(ctx))
	must(c2.Register(ctx))
	log.Printf("clients registered: %s, %s", c1.ID(), c2.ID())

	must(c1.CreateGroup(ctx, "g"))
	must(c2.JoinGroup(ctx, "g"))

	voteID, err := c1.StartVote(ctx, "g", "q?", []string{"a", "b", "c"}, 30*time.Second)
	must(err)
	log.Printf("vote %s opened", voteID)

	must(c1.CastBallot(ctx, voteID, 1))
	must(c2.CastBallot(ctx, voteID, 1))

	select {
	case res := <-resultCh:
		fmt.Printf("RESULT: counts=%v winner=%q\n", res.Counts, res.Winner)
	case <-ctx.Done():
		log.Fatal("timed out waiting for vote result")
	}
}

func bootCluster(logger logging.Logger) []*node.Node {
	servers := make([]*node.Node, 0, clusterSize)
	for i := 0; i < clusterSize; i++ {
		cfg := config.DefaultConfig().FromEnv()
		cfg.Port = basePort + i
		cfg.Logger = logger

		srv, err := node.New(cfg)
		if err != nil {
			log.Fatalf("server %d: %v", i, err)
		}
		if err := srv.Start(); err != nil {
			log.Fatalf("server %d: %v", i, err)
		}
		servers = append(servers, srv)
	}
	log.Printf("all %d servers are up", clusterSize)
	return servers
}

func mustClient(logger logging.Logger, deliver client.DeliverFunc) *client.Client {
	cfg := client.DefaultConfig()
	cfg.Logger = logger
	c, err := client.New(cfg, deliver)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func logDelivery(env *protocol.Envelope) {
	switch env.Tag {
	case protocol.TagVoteOpen:
		var p protocol.VoteOpen
		if protocol.DecodePayload(env, &p) == nil {
			log.Printf("delivered VOTE_OPEN %s (%q)", p.VoteID, p.Topic)
		}
	case protocol.TagBallotCounted:
		var p protocol.BallotCounted
		if protocol.DecodePayload(env, &p) == nil {
			log.Printf("delivered BALLOT_COUNTED %s (%d ballots)", p.VoteID, p.Ballots)
		}
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
