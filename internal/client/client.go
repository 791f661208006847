package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"ringvote/internal/fomcast"
	"ringvote/internal/logging"
	"ringvote/internal/protocol"
)

var (
	ErrNoLeader     = errors.New("no leader discovered")
	ErrAuthFailed   = errors.New("authentication failed, re-register")
	ErrUnregistered = errors.New("client not registered")
)

// OpError is a structured failure reply from the service.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DeliverFunc receives group fan-out messages in FIFO order.
type DeliverFunc func(env *protocol.Envelope)

// Config tunes the client.
type Config struct {
	MulticastAddr  string
	BufSize        int
	RequestTimeout time.Duration
	MaxAttempts    int
	Logger         logging.Logger
}

// DefaultConfig returns client defaults matching the server side.
func DefaultConfig() *Config {
	return &Config{
		MulticastAddr:  "224.1.1.1:5007",
		BufSize:        4096,
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    8,
		Logger:         logging.Noop{},
	}
}

// Client talks to whichever server currently leads the cluster. The
// token survives failovers, so a client resumes against a new leader
// with the same identity; requests are idempotent by request id.
type Client struct {
	cfg *Config

	sock      *net.UDPConn
	mcastRecv *net.UDPConn
	group     *net.UDPAddr

	mu       sync.RWMutex
	leader   protocol.NodeID
	clientID string
	token    string

	pending  map[string]chan *protocol.Reply
	receiver *fomcast.Receiver
	deliver  DeliverFunc

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New creates a client and binds its sockets.
func New(cfg *Config, deliver DeliverFunc) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deliver == nil {
		deliver = func(*protocol.Envelope) {}
	}

	c := &Client{
		cfg:        cfg,
		pending:    make(map[string]chan *protocol.Reply),
		deliver:    deliver,
		shutdownCh: make(chan struct{}),
	}

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open client socket: %w", err)
	}
	c.sock = sock

	group, err := net.ResolveUDPAddr("udp4", cfg.MulticastAddr)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to resolve multicast group: %w", err)
	}
	c.group = group

	mcastRecv, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to join multicast group: %w", err)
	}
	c.mcastRecv = mcastRecv

	c.receiver = fomcast.NewReceiver(c.onDeliver, c.sendAck, cfg.Logger)

	c.wg.Add(2)
	go c.readUnicast()
	go c.readMulticast()

	return c, nil
}

// Close releases the sockets.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdownCh)
		c.sock.Close()
		c.mcastRecv.Close()
		c.wg.Wait()
	})
}

// ID returns the client id assigned at registration.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Leader returns the current request target.
func (c *Client) Leader() (protocol.NodeID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader, c.leader != ""
}

// SetLeader overrides the request target (for tests and demos).
func (c *Client) SetLeader(id protocol.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = id
}

// Discover multicasts WHO_IS_LEADER until the leader answers.
func (c *Client) Discover(ctx context.Context) error {
	ask := &protocol.Envelope{Tag: protocol.TagWhoIsLeader}
	for {
		if _, ok := c.Leader(); ok {
			return nil
		}
		data, err := protocol.Encode(ask)
		if err != nil {
			return err
		}
		if _, err := c.sock.WriteToUDP(data, c.group); err != nil {
			c.cfg.Logger.Errorf("[Client] Error asking for leader: %v", err)
		}

		select {
		case <-time.After(c.cfg.RequestTimeout):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdownCh:
			return ErrNoLeader
		}
	}
}

// Register obtains a client id and token from the leader.
func (c *Client) Register(ctx context.Context) error {
	reply, err := c.request(ctx, protocol.TagRegister, func(requestID string) interface{} {
		return protocol.Register{RequestID: requestID}
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID, _ = reply.Data["client_id"].(string)
	c.token, _ = reply.Data["token"].(string)
	c.mu.Unlock()
	return nil
}

// CreateGroup creates a group and subscribes to its fan-out stream.
func (c *Client) CreateGroup(ctx context.Context, name string) error {
	token, err := c.tokenOrErr()
	if err != nil {
		return err
	}
	reply, err := c.request(ctx, protocol.TagCreateGroup, func(requestID string) interface{} {
		return protocol.GroupOp{RequestID: requestID, Token: token, Group: name}
	})
	if err != nil {
		return err
	}
	c.primeStream(name, reply)
	return nil
}

// JoinGroup joins a group and subscribes to its fan-out stream.
func (c *Client) JoinGroup(ctx context.Context, name string) error {
	token, err := c.tokenOrErr()
	if err != nil {
		return err
	}
	reply, err := c.request(ctx, protocol.TagJoinGroup, func(requestID string) interface{} {
		return protocol.GroupOp{RequestID: requestID, Token: token, Group: name}
	})
	if err != nil {
		return err
	}
	c.primeStream(name, reply)
	return nil
}

// LeaveGroup leaves a group.
func (c *Client) LeaveGroup(ctx context.Context, name string) error {
	token, err := c.tokenOrErr()
	if err != nil {
		return err
	}
	_, err = c.request(ctx, protocol.TagLeaveGroup, func(requestID string) interface{} {
		return protocol.GroupOp{RequestID: requestID, Token: token, Group: name}
	})
	return err
}

// ListGroups returns all group names.
func (c *Client) ListGroups(ctx context.Context) ([]string, error) {
	return c.list(ctx, protocol.TagListGroups)
}

// ListJoined returns the groups this client belongs to.
func (c *Client) ListJoined(ctx context.Context) ([]string, error) {
	return c.list(ctx, protocol.TagListJoined)
}

func (c *Client) list(ctx context.Context, tag string) ([]string, error) {
	token, err := c.tokenOrErr()
	if err != nil {
		return nil, err
	}
	reply, err := c.request(ctx, tag, func(requestID string) interface{} {
		return protocol.ListOp{RequestID: requestID, Token: token}
	})
	if err != nil {
		return nil, err
	}
	raw, _ := reply.Data["groups"].([]interface{})
	groups := make([]string, 0, len(raw))
	for _, g := range raw {
		if s, ok := g.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups, nil
}

// StartVote opens a vote in a group and returns its id.
func (c *Client) StartVote(ctx context.Context, group, topic string, options []string, timeout time.Duration) (string, error) {
	token, err := c.tokenOrErr()
	if err != nil {
		return "", err
	}
	reply, err := c.request(ctx, protocol.TagStartVote, func(requestID string) interface{} {
		return protocol.StartVote{
			RequestID: requestID,
			Token:     token,
			Group:     group,
			Topic:     topic,
			Options:   options,
			TimeoutMS: timeout.Milliseconds(),
		}
	})
	if err != nil {
		return "", err
	}
	voteID, _ := reply.Data["vote_id"].(string)
	return voteID, nil
}

// CastBallot submits this client's ballot. A duplicate submission is a
// success: the first accepted ballot stands.
func (c *Client) CastBallot(ctx context.Context, voteID string, option int) error {
	token, err := c.tokenOrErr()
	if err != nil {
		return err
	}
	_, err = c.request(ctx, protocol.TagCastBallot, func(requestID string) interface{} {
		return protocol.CastBallot{RequestID: requestID, Token: token, VoteID: voteID, Option: option}
	})
	return err
}

func (c *Client) tokenOrErr() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", ErrUnregistered
	}
	return c.token, nil
}

// primeStream anchors the (group, leader) fan-out stream at the join
// sequence the reply carried.
func (c *Client) primeStream(group string, reply *protocol.Reply) {
	seq, ok := reply.Data["next_seq"].(float64)
	if !ok {
		return
	}
	if leader, haveLeader := c.Leader(); haveLeader {
		c.receiver.Expect(group, leader, uint64(seq))
	}
}

// request sends one idempotent operation and waits for its reply,
// retrying with the same request id on timeout and retargeting on
// redirect. Success-duplicate replies count as success.
func (c *Client) request(ctx context.Context, tag string, build func(requestID string) interface{}) (*protocol.Reply, error) {
	requestID := uuid.New().String()
	replyCh := make(chan *protocol.Reply, 1)

	c.mu.Lock()
	c.pending[requestID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	env := &protocol.Envelope{Tag: tag, Payload: build(requestID)}

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		leader, ok := c.Leader()
		if !ok {
			if err := c.Discover(ctx); err != nil {
				return nil, err
			}
			leader, _ = c.Leader()
		}
		if err := c.sendTo(leader, env); err != nil {
			c.cfg.Logger.Errorf("[Client] Error sending %s: %v", tag, err)
		}

		select {
		case reply := <-replyCh:
			switch reply.Code {
			case protocol.CodeOK, protocol.CodeDuplicate:
				return reply, nil
			case protocol.CodeRedirect:
				if l, ok := reply.Data["leader"].(string); ok {
					c.SetLeader(protocol.NodeID(l))
				}
				continue
			case protocol.CodeNoLeader:
				c.SetLeader("")
				continue
			case protocol.CodeAuthFailed:
				return nil, ErrAuthFailed
			default:
				return nil, &OpError{Code: reply.Code, Message: reply.Error}
			}
		case <-time.After(c.cfg.RequestTimeout):
			// Same request id: the retry is idempotent server-side.
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.shutdownCh:
			return nil, ErrNoLeader
		}
	}
	return nil, fmt.Errorf("%s gave up after %d attempts", tag, c.cfg.MaxAttempts)
}

func (c *Client) sendTo(target protocol.NodeID, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", target.Addr())
	if err != nil {
		return err
	}
	_, err = c.sock.WriteToUDP(data, addr)
	return err
}

// readUnicast consumes replies and fan-out deliveries on the client
// socket.
func (c *Client) readUnicast() {
	defer c.wg.Done()

	buffer := make([]byte, c.cfg.BufSize)
	for {
		select {
		case <-c.shutdownCh:
			return
		default:
		}

		if err := c.sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			continue
		}
		n, _, err := c.sock.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-c.shutdownCh:
				return
			default:
				continue
			}
		}

		env, err := protocol.Decode(buffer[:n])
		if err != nil {
			c.cfg.Logger.Errorf("[Client] Bad datagram: %v", err)
			continue
		}
		c.handleUnicast(env)
	}
}

func (c *Client) handleUnicast(env *protocol.Envelope) {
	switch env.Tag {
	case protocol.TagReply:
		var reply protocol.Reply
		if err := protocol.DecodePayload(env, &reply); err != nil {
			c.cfg.Logger.Errorf("[Client] %v", err)
			return
		}
		c.mu.RLock()
		ch, ok := c.pending[reply.RequestID]
		c.mu.RUnlock()
		if ok {
			select {
			case ch <- &reply:
			default:
			}
		}
	case protocol.TagLeader:
		var p protocol.NewLeader
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		c.SetLeader(p.Leader)
	case protocol.TagVoteOpen, protocol.TagBallotCounted, protocol.TagVoteResult:
		group, ok := groupOf(env)
		if !ok {
			return
		}
		c.receiver.Handle(group, env)
	default:
		c.cfg.Logger.Debugf("[Client] Ignoring %s", env.Tag)
	}
}

// readMulticast watches the group for NEW_LEADER broadcasts so requests
// retarget without waiting for a timeout.
func (c *Client) readMulticast() {
	defer c.wg.Done()

	buffer := make([]byte, c.cfg.BufSize)
	for {
		select {
		case <-c.shutdownCh:
			return
		default:
		}

		if err := c.mcastRecv.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			continue
		}
		n, _, err := c.mcastRecv.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-c.shutdownCh:
				return
			default:
				continue
			}
		}

		env, err := protocol.Decode(buffer[:n])
		if err != nil {
			continue
		}
		if env.Tag != protocol.TagNewLeader {
			continue
		}
		var p protocol.NewLeader
		if err := protocol.DecodePayload(env, &p); err != nil {
			continue
		}
		c.cfg.Logger.Infof("[Client] New leader: %s (epoch %d)", p.Leader, p.Epoch)
		c.SetLeader(p.Leader)
	}
}

func (c *Client) onDeliver(env *protocol.Envelope) {
	c.deliver(env)
}

// sendAck acknowledges one fan-out message to its origin.
func (c *Client) sendAck(origin protocol.NodeID, group string, seq uint64) {
	c.mu.RLock()
	clientID := c.clientID
	c.mu.RUnlock()

	ack := &protocol.Envelope{
		Tag: protocol.TagAck,
		Payload: protocol.Ack{
			Group:    group,
			Origin:   origin,
			ClientID: clientID,
			Seq:      seq,
		},
	}
	if err := c.sendTo(origin, ack); err != nil {
		c.cfg.Logger.Errorf("[Client] Error acking seq %d: %v", seq, err)
	}
}

func groupOf(env *protocol.Envelope) (string, bool) {
	var p struct {
		Group string `json:"group"`
	}
	if err := protocol.DecodePayload(env, &p); err != nil || p.Group == "" {
		return "", false
	}
	return p.Group, true
}
