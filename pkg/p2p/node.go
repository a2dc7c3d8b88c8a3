package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"governance_engine/pkg/config"
	"governance_engine/pkg/data"
	"governance_engine/pkg/utils"
)

const (
	VotesTopic  = "governance/votes"
	RoundsTopic = "governance/rounds"

	connectionTimeout = 30 * time.Second
	metricsInterval   = time.Minute
)

var (
	ErrNodeStopped      = errors.New("p2p node stopped")
	ErrInvalidSignature = errors.New("invalid message signature")
)

// Handler processes a verified inbound message
type Handler func(ctx context.Context, from peer.ID, msg *Message) error

// Node gossips accepted votes and consensus rounds to other engines
type Node struct {
	cfg      *config.P2PConfig
	host     host.Host
	pubsub   *pubsub.PubSub
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	handlers map[MessageType][]Handler
	logger   *zap.Logger
	metrics  *Metrics

	discovery *localDiscovery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewNode creates a libp2p host with gossipsub. Nothing is joined until Start.
func NewNode(cfg *config.P2PConfig, logger *zap.Logger) (*Node, error) {
	privKey, err := loadOrGenerateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("key management error: %w", err)
	}

	listenHost := cfg.ListenHost
	if listenHost == "" {
		listenHost = "0.0.0.0"
	}
	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", listenHost, cfg.Port)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("creating pubsub: %w", err)
	}

	return &Node{
		cfg:      cfg,
		host:     h,
		pubsub:   ps,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		handlers: make(map[MessageType][]Handler),
		logger:   logger,
		metrics:  NewMetrics(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Handle registers a handler for inbound messages of msgType
func (n *Node) Handle(msgType MessageType, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[msgType] = append(n.handlers[msgType], handler)
}

// Start subscribes to the configured topics and dials bootstrap peers
func (n *Node) Start(ctx context.Context) error {
	n.logger.Info("Starting P2P node",
		zap.String("peerID", n.host.ID().String()),
		zap.Any("listenAddrs", n.host.Addrs()))

	for _, name := range n.cfg.Topics {
		topic, err := n.topic(name)
		if err != nil {
			return err
		}
		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribing to topic %s: %w", name, err)
		}

		n.mu.Lock()
		n.subs[name] = sub
		n.mu.Unlock()

		n.wg.Add(1)
		utils.SafeGo(n.logger, func() {
			defer n.wg.Done()
			n.processTopicMessages(name, sub)
		})
	}

	n.wg.Add(1)
	utils.SafeGo(n.logger, func() {
		defer n.wg.Done()
		n.collectMetrics()
	})

	if n.cfg.MDNS {
		n.discovery = newLocalDiscovery(n.ctx, n.host, n.cfg.ServiceTag, &n.wg, n.logger.Named("mdns"))
		if err := n.discovery.start(); err != nil {
			return fmt.Errorf("starting mDNS discovery: %w", err)
		}
	}

	if err := n.connectToBootstrapPeers(ctx); err != nil {
		n.logger.Warn("Failed to connect to some bootstrap peers", zap.Error(err))
	}
	return nil
}

// Stop leaves every topic and closes the host
func (n *Node) Stop() error {
	n.logger.Info("Stopping P2P node")
	if n.discovery != nil {
		if err := n.discovery.stop(); err != nil {
			n.logger.Warn("Failed to stop mDNS discovery", zap.Error(err))
		}
	}
	n.cancel()

	n.mu.Lock()
	for _, sub := range n.subs {
		sub.Cancel()
	}
	n.mu.Unlock()
	n.wg.Wait()

	n.mu.Lock()
	for name, topic := range n.topics {
		if err := topic.Close(); err != nil {
			n.logger.Warn("Failed to close topic", zap.String("topic", name), zap.Error(err))
		}
	}
	n.mu.Unlock()

	if err := n.host.Close(); err != nil {
		return fmt.Errorf("closing libp2p host: %w", err)
	}
	n.logger.Info("P2P node stopped")
	return nil
}

// Connect dials a peer by multiaddr, which must include its /p2p/ component
func (n *Node) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parsing multiaddr %s: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("resolving peer from %s: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connecting to %s: %w", info.ID, err)
	}

	n.logger.Info("Connected to peer", zap.String("peerID", info.ID.String()))
	return nil
}

// PublishVote gossips an accepted vote
func (n *Node) PublishVote(ctx context.Context, vote data.Vote) error {
	msg, err := NewVoteMessage(vote)
	if err != nil {
		return err
	}
	return n.Publish(ctx, VotesTopic, msg)
}

// PublishRound gossips a sealed consensus round
func (n *Node) PublishRound(ctx context.Context, round *data.ConsensusRound) error {
	msg, err := NewRoundMessage(round)
	if err != nil {
		return err
	}
	return n.Publish(ctx, RoundsTopic, msg)
}

// Publish signs msg with the node key and publishes it to topicName
func (n *Node) Publish(ctx context.Context, topicName string, msg *Message) error {
	if n.ctx.Err() != nil {
		return ErrNodeStopped
	}

	msg.SenderID = n.host.ID().String()
	if err := n.signMessage(msg); err != nil {
		return err
	}
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}

	topic, err := n.topic(topicName)
	if err != nil {
		return err
	}
	if err := topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publishing to %s: %w", topicName, err)
	}

	n.metrics.incrementPublished()
	n.logger.Debug("Message published",
		zap.String("topic", topicName),
		zap.String("type", string(msg.Type)),
		zap.String("messageID", msg.ID))
	return nil
}

// ID returns the peer ID of the node
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's full dialable addresses
func (n *Node) Addrs() []string {
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// DiscoveredPeers returns peers recently found over mDNS
func (n *Node) DiscoveredPeers() []peer.ID {
	if n.discovery == nil {
		return nil
	}
	return n.discovery.peers()
}

// Stats returns gossip statistics
func (n *Node) Stats() Stats {
	return n.metrics.Snapshot()
}

// topic returns a pubsub topic by name, joining it if needed
func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if topic, exists := n.topics[name]; exists {
		return topic, nil
	}
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("joining topic %s: %w", name, err)
	}
	n.topics[name] = topic
	return topic, nil
}

func (n *Node) processTopicMessages(topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			n.logger.Warn("Error reading from subscription", zap.String("topic", topicName), zap.Error(err))
			continue
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.processTopicMessage(msg)
	}
}

func (n *Node) processTopicMessage(raw *pubsub.Message) {
	msg := &Message{}
	if err := msg.Unmarshal(raw.Data); err != nil {
		n.metrics.incrementInvalid()
		n.logger.Warn("Failed to unmarshal message", zap.Error(err))
		return
	}

	from, err := n.verifyMessage(msg, raw.GetFrom())
	if err != nil {
		n.metrics.incrementInvalid()
		n.logger.Warn("Failed to verify message", zap.String("messageID", msg.ID), zap.Error(err))
		return
	}
	n.metrics.incrementReceived()

	n.mu.RLock()
	handlers := n.handlers[msg.Type]
	n.mu.RUnlock()
	if len(handlers) == 0 {
		n.logger.Debug("No handler for message type", zap.String("type", string(msg.Type)))
		return
	}

	for _, h := range handlers {
		if err := h(n.ctx, from, msg); err != nil {
			n.logger.Warn("Message handler failed",
				zap.String("type", string(msg.Type)),
				zap.String("messageID", msg.ID),
				zap.Error(err))
		}
	}
}

// signMessage signs the message with the host's private key
func (n *Node) signMessage(msg *Message) error {
	payload, err := msg.MarshalWithoutSignature()
	if err != nil {
		return err
	}
	signature, err := n.host.Peerstore().PrivKey(n.host.ID()).Sign(payload)
	if err != nil {
		return fmt.Errorf("signing message: %w", err)
	}
	msg.Signature = signature
	return nil
}

// verifyMessage checks that the claimed sender authored msg and is the peer
// pubsub attributes it to
func (n *Node) verifyMessage(msg *Message, origin peer.ID) (peer.ID, error) {
	sender, err := msg.Sender()
	if err != nil {
		return "", fmt.Errorf("decoding sender: %w", err)
	}
	if sender != origin {
		return "", fmt.Errorf("%w: sender %s relayed as %s", ErrInvalidSignature, sender, origin)
	}

	pub, err := sender.ExtractPublicKey()
	if err != nil {
		return "", fmt.Errorf("extracting public key: %w", err)
	}
	payload, err := msg.MarshalWithoutSignature()
	if err != nil {
		return "", err
	}
	ok, err := pub.Verify(payload, msg.Signature)
	if err != nil || !ok {
		return "", ErrInvalidSignature
	}
	return sender, nil
}

func (n *Node) connectToBootstrapPeers(ctx context.Context) error {
	var errs []error
	for _, addr := range n.cfg.BootstrapPeers {
		if err := n.Connect(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) collectMetrics() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.metrics.setConnectedPeers(len(n.host.Network().Peers()))
		}
	}
}
