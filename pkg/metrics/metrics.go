package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"governance_engine/pkg/config"
	"governance_engine/pkg/data"
	"governance_engine/pkg/utils"
)

const namespace = "governance"

// Source reports the point-in-time state exported as gauges
type Source interface {
	IdentityCount() int
	ActiveProposals() int
	TotalVotingPower() float64
	SecurityScore() float64
	OpenThreats() int
	ActiveSessions() int
}

// Collectors holds the engine's prometheus collectors
type Collectors struct {
	votes      *prometheus.CounterVec
	voteWeight prometheus.Histogram
	rounds     *prometheus.CounterVec
	scans      prometheus.Counter
	threats    prometheus.Counter
}

// NewCollectors registers every collector with registry. Gauges read source
// on each scrape.
func NewCollectors(registry prometheus.Registerer, source Source) *Collectors {
	factory := promauto.With(registry)

	c := &Collectors{
		votes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Ballots processed, by outcome",
		}, []string{"outcome"}),
		voteWeight: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vote_weight",
			Help:      "Weight of accepted votes",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 10},
		}),
		rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rounds_total",
			Help:      "Consensus rounds appended, by result",
		}, []string{"result"}),
		scans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_scans_total",
			Help:      "Security monitor scans run",
		}),
		threats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_threats_total",
			Help:      "Security threats raised",
		}),
	}

	gauge := func(name, help string, fn func() float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	}
	gauge("identities", "Registered identities", func() float64 { return float64(source.IdentityCount()) })
	gauge("active_proposals", "Proposals occupying an active slot", func() float64 { return float64(source.ActiveProposals()) })
	gauge("eligible_voting_power", "Voting power of all eligible identities", source.TotalVotingPower)
	gauge("security_score", "Security score between 0 and 1", source.SecurityScore)
	gauge("open_threats", "Threats not yet mitigated", func() float64 { return float64(source.OpenThreats()) })
	gauge("active_sessions", "Authenticated sessions", func() float64 { return float64(source.ActiveSessions()) })

	return c
}

// ObserveVote records an accepted vote
func (c *Collectors) ObserveVote(vote *data.Vote) {
	outcome := "accepted"
	if vote.Overwrites != "" {
		outcome = "overwritten"
	}
	c.votes.WithLabelValues(outcome).Inc()
	c.voteWeight.Observe(vote.Weight)
}

// ObserveRejectedVote records a rejected ballot
func (c *Collectors) ObserveRejectedVote() {
	c.votes.WithLabelValues("rejected").Inc()
}

// ObserveRound records an appended consensus round
func (c *Collectors) ObserveRound(result data.ConsensusResult) {
	c.rounds.WithLabelValues(string(result)).Inc()
}

// ObserveScan records a completed security scan
func (c *Collectors) ObserveScan(raised int) {
	c.scans.Inc()
	c.threats.Add(float64(raised))
}

// Server exposes a registry over HTTP
type Server struct {
	cfg    *config.MetricsConfig
	server *http.Server
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewServer creates a metrics endpoint for gatherer
func NewServer(cfg *config.MetricsConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Start serves metrics in the background
func (s *Server) Start() {
	s.wg.Add(1)
	utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		s.logger.Info("Serving prometheus metrics", zap.String("addr", s.cfg.ListenAddr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	})
}

// Stop shuts the endpoint down
func (s *Server) Stop(ctx context.Context) error {
	defer s.wg.Wait()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	return nil
}
