package governance

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"governance_engine/pkg/auth"
	"governance_engine/pkg/config"
	"governance_engine/pkg/consensus"
	"governance_engine/pkg/data"
	"governance_engine/pkg/identity"
	"governance_engine/pkg/metrics"
	"governance_engine/pkg/monitor"
	"governance_engine/pkg/p2p"
	"governance_engine/pkg/proposal"
	"governance_engine/pkg/scheduler"
	"governance_engine/pkg/security"
	"governance_engine/pkg/voting"
)

const publishTimeout = 5 * time.Second

// VotingStatistics summarizes the state of the engine
type VotingStatistics struct {
	TotalIdentities      int
	ActiveProposals      int
	TotalVotingPower     float64
	AverageParticipation float64
	SecurityScore        float64
	ConsensusRounds      int
	OpenThreats          int
	ActiveSessions       int
	VotesAccepted        int64
	VotesRejected        int64
}

// Option configures optional engine collaborators
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithVerifier replaces the proof verifier used for ballots
func WithVerifier(v security.ProofVerifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithMetrics registers prometheus collectors with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithNode gossips accepted votes and finalized rounds through node
func WithNode(node *p2p.Node) Option {
	return func(e *Engine) { e.node = node }
}

// Engine wires the governance components together
type Engine struct {
	cfg        *config.Config
	repo       data.Repository
	registry   *identity.Registry
	gateway    *auth.Gateway
	manager    *proposal.Manager
	finalizer  *consensus.Finalizer
	processor  *voting.Processor
	monitor    *monitor.Monitor
	scheduler  *scheduler.Scheduler
	verifier   security.ProofVerifier
	registerer prometheus.Registerer
	collectors *metrics.Collectors
	node       *p2p.Node
	clock      clock.Clock
	logger     *zap.Logger
	running    bool
	stopped    bool
	mu         sync.Mutex
}

// NewEngine builds an engine over repo
func NewEngine(cfg *config.Config, repo data.Repository, logger *zap.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		repo:     repo,
		verifier: security.NewSchemeVerifier(),
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.registry = identity.NewRegistry(repo, e.clock, logger.Named("identity"))
	e.manager = proposal.NewManager(&cfg.Governance, e.registry, repo, e.clock, logger.Named("proposal"))
	e.finalizer = consensus.NewFinalizer(repo, e.registry, e.clock, logger.Named("consensus"))
	e.processor = voting.NewProcessor(e.manager, e.registry, e.finalizer, e.verifier, e.clock, logger.Named("voting"))
	e.monitor = monitor.NewMonitor(&cfg.Monitor, e.registry, e.manager, repo, e.clock, logger.Named("monitor"))
	e.scheduler = scheduler.NewScheduler(&cfg.Scheduler, e.clock, logger.Named("scheduler"))

	gateway, err := auth.NewGateway(&cfg.Auth, e.registry, e.clock, logger.Named("auth"))
	if err != nil {
		return nil, fmt.Errorf("creating authentication gateway: %w", err)
	}
	e.gateway = gateway

	e.registry.SetVerifier(e.verifier)
	e.registry.SetFraudReporter(e.monitor)
	e.manager.SetFinalizer(e.finalizer)
	e.processor.OnAccepted(e.onVoteAccepted)

	if e.registerer != nil {
		e.collectors = metrics.NewCollectors(e.registerer, statsSource{e})
	}
	if e.node != nil {
		e.node.Handle(p2p.RoundMessage, e.onRemoteRound)
		e.node.Handle(p2p.VoteMessage, e.onRemoteVote)
	}

	return e, nil
}

// Start restores persisted state and schedules the periodic tasks. A broken
// consensus history aborts start-up.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine already running")
	}
	if e.stopped {
		return fmt.Errorf("engine cannot be restarted")
	}

	if err := e.registry.Load(ctx); err != nil {
		return err
	}
	if err := e.manager.Load(ctx); err != nil {
		return err
	}
	if err := e.finalizer.Load(ctx); err != nil {
		return fmt.Errorf("restoring consensus history: %w", err)
	}
	e.finalizer.Rebuild(e.manager.List())
	if err := e.monitor.Load(ctx); err != nil {
		return err
	}

	if err := e.scheduleTasks(); err != nil {
		return err
	}
	if err := e.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if e.node != nil {
		if err := e.node.Start(ctx); err != nil {
			_ = e.scheduler.Stop()
			return fmt.Errorf("starting p2p node: %w", err)
		}
	}

	e.running = true
	e.logger.Info("Governance engine started",
		zap.Int("identities", e.registry.Count()),
		zap.Int("activeProposals", e.manager.ActiveCount()),
		zap.Int("consensusRounds", e.finalizer.RoundCount()))
	return nil
}

// Stop cancels scheduled work and leaves the gossip network
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	e.stopped = true

	if err := e.scheduler.Stop(); err != nil {
		e.logger.Warn("Failed to stop scheduler", zap.Error(err))
	}
	if e.node != nil {
		if err := e.node.Stop(); err != nil {
			return err
		}
	}

	e.logger.Info("Governance engine stopped")
	return nil
}

// Register creates an identity from its verification evidence
func (e *Engine) Register(ctx context.Context, nodeID string, publicKey []byte, class data.IdentityClass, evidence data.VerificationEvidence) (*data.Identity, error) {
	return e.registry.Register(ctx, nodeID, publicKey, class, evidence)
}

// Submit opens a proposal for review
func (e *Engine) Submit(ctx context.Context, proposerID string, category data.ProposalCategory, title, description string, risk data.RiskAttributes) (*data.Proposal, error) {
	return e.manager.Submit(ctx, proposerID, category, title, description, risk)
}

// CastVote records a signed ballot and returns the vote id
func (e *Engine) CastVote(ctx context.Context, ballot voting.Ballot) (string, error) {
	vote, err := e.processor.CastVote(ctx, ballot)
	if err != nil {
		if e.collectors != nil {
			e.collectors.ObserveRejectedVote()
		}
		return "", err
	}
	return vote.ID, nil
}

// Finalize determines the outcome of a proposal whose voting window has ended
func (e *Engine) Finalize(ctx context.Context, proposalID string) (*data.Proposal, error) {
	p, err := e.manager.Finalize(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	if e.collectors != nil {
		e.collectors.ObserveRound(p.Result)
	}
	if e.node != nil {
		if round, ok := e.finalizer.Round(proposalID); ok {
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := e.node.PublishRound(pctx, round); err != nil {
				e.logger.Warn("Failed to gossip consensus round",
					zap.Uint64("round", round.RoundNumber),
					zap.Error(err))
			}
			cancel()
		}
	}
	return p, nil
}

// Challenge issues an authentication nonce for identityID
func (e *Engine) Challenge(ctx context.Context, identityID string) ([]byte, error) {
	return e.gateway.Challenge(ctx, identityID)
}

// Authenticate opens a session for a proof over the pending challenge
func (e *Engine) Authenticate(ctx context.Context, identityID string, method auth.Method, proof data.ProofBundle) (*auth.Session, error) {
	return e.gateway.Authenticate(ctx, identityID, method, proof)
}

// GetVotingStatistics returns engine-wide statistics
func (e *Engine) GetVotingStatistics() VotingStatistics {
	votes := e.processor.GetStats()
	return VotingStatistics{
		TotalIdentities:      e.registry.Count(),
		ActiveProposals:      e.manager.ActiveCount(),
		TotalVotingPower:     e.registry.TotalEligiblePower(),
		AverageParticipation: e.finalizer.AverageParticipation(),
		SecurityScore:        e.monitor.SecurityScore(),
		ConsensusRounds:      e.finalizer.RoundCount(),
		OpenThreats:          len(e.monitor.OpenThreats()),
		ActiveSessions:       e.gateway.ActiveSessions(),
		VotesAccepted:        votes.VotesAccepted,
		VotesRejected:        votes.VotesRejected,
	}
}

func (e *Engine) scheduleTasks() error {
	tasks := []*scheduler.Task{
		{
			ID:       "security-scan",
			Name:     "Security monitor scan",
			Schedule: e.cfg.Monitor.ScanSchedule,
			ExecutionFn: func(ctx context.Context) error {
				raised, err := e.monitor.Scan(ctx)
				if e.collectors != nil {
					e.collectors.ObserveScan(raised)
				}
				return err
			},
		},
		{
			ID:       "session-sweep",
			Name:     "Expired session sweep",
			Schedule: e.cfg.Auth.SweepSchedule,
			ExecutionFn: func(ctx context.Context) error {
				e.gateway.Sweep(ctx)
				return nil
			},
		},
		{
			ID:         "proposal-tick",
			Name:       "Proposal lifecycle tick",
			Schedule:   e.cfg.Governance.TickSchedule,
			MaxRetries: 1,
			ExecutionFn: func(ctx context.Context) error {
				_, err := e.manager.Tick(ctx)
				return err
			},
		},
		{
			ID:         "inactivity-decay",
			Name:       "Reputation inactivity decay",
			Schedule:   e.cfg.Governance.DecaySchedule,
			MaxRetries: 1,
			ExecutionFn: func(ctx context.Context) error {
				_, err := e.registry.DecayInactive(ctx, e.cfg.Governance.InactivityPeriod)
				return err
			},
		},
	}

	for _, task := range tasks {
		if _, err := e.scheduler.GetTask(task.ID); err == nil {
			continue
		}
		if err := e.scheduler.ScheduleTask(task); err != nil {
			return fmt.Errorf("scheduling %s: %w", task.ID, err)
		}
	}
	return nil
}

func (e *Engine) onVoteAccepted(vote data.Vote, tally data.VoteTally) {
	if e.collectors != nil {
		e.collectors.ObserveVote(&vote)
	}
	if e.node == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.node.PublishVote(ctx, vote); err != nil {
		e.logger.Warn("Failed to gossip vote",
			zap.String("voteID", vote.ID),
			zap.Error(err))
	}
}

// onRemoteRound compares a peer's round with local history. Rounds are never
// adopted from the network.
func (e *Engine) onRemoteRound(ctx context.Context, from peer.ID, msg *p2p.Message) error {
	remote, err := msg.Round()
	if err != nil {
		return err
	}

	local, ok := e.finalizer.RoundAt(remote.RoundNumber)
	fields := []zap.Field{
		zap.String("peerID", from.String()),
		zap.Uint64("round", remote.RoundNumber),
		zap.String("result", string(remote.Result)),
	}
	switch {
	case !ok:
		e.logger.Debug("Remote consensus round ahead of local history", fields...)
	case !bytes.Equal(local.Hash, remote.Hash):
		e.logger.Warn("Remote consensus round diverges from local history", fields...)
	default:
		e.logger.Debug("Remote consensus round matches local history", fields...)
	}
	return nil
}

// onRemoteVote checks a gossiped vote against the local registry. Gossip is
// observe-only: local tallies count only ballots cast through this engine.
func (e *Engine) onRemoteVote(ctx context.Context, from peer.ID, msg *p2p.Message) error {
	vote, err := msg.Vote()
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.String("peerID", from.String()),
		zap.String("proposalID", vote.ProposalID),
		zap.String("voterID", vote.VoterID),
	}

	voter, err := e.registry.Get(vote.VoterID)
	if err != nil {
		e.logger.Debug("Remote vote from unknown voter", fields...)
		return nil
	}
	if !e.verifier.Verify(voter.PublicKey, vote.SigningBytes(), vote.Proof) {
		e.logger.Warn("Remote vote carries invalid proof", fields...)
		return fmt.Errorf("remote vote %s by %s: %w", vote.ID, vote.VoterID, data.ErrInvalidProof)
	}
	e.logger.Debug("Remote vote observed", fields...)
	return nil
}

// statsSource exposes engine state to the metrics collectors
type statsSource struct {
	e *Engine
}

func (s statsSource) IdentityCount() int        { return s.e.registry.Count() }
func (s statsSource) ActiveProposals() int      { return s.e.manager.ActiveCount() }
func (s statsSource) TotalVotingPower() float64 { return s.e.registry.TotalEligiblePower() }
func (s statsSource) SecurityScore() float64    { return s.e.monitor.SecurityScore() }
func (s statsSource) OpenThreats() int          { return len(s.e.monitor.OpenThreats()) }
func (s statsSource) ActiveSessions() int       { return s.e.gateway.ActiveSessions() }

var _ metrics.Source = statsSource{}
