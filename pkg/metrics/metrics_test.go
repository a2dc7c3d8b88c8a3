package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"governance_engine/pkg/config"
	"governance_engine/pkg/data"
)

type staticSource struct{}

func (staticSource) IdentityCount() int        { return 4 }
func (staticSource) ActiveProposals() int      { return 2 }
func (staticSource) TotalVotingPower() float64 { return 12.5 }
func (staticSource) SecurityScore() float64    { return 0.9 }
func (staticSource) OpenThreats() int          { return 1 }
func (staticSource) ActiveSessions() int       { return 3 }

func TestCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollectors(registry, staticSource{})

	c.ObserveVote(&data.Vote{Weight: 0.8})
	c.ObserveVote(&data.Vote{Weight: 1.2, Overwrites: "vote-1"})
	c.ObserveRejectedVote()
	c.ObserveRound(data.ResultApproved)
	c.ObserveScan(2)
	c.ObserveScan(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.votes.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.votes.WithLabelValues("overwritten")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.votes.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rounds.WithLabelValues(string(data.ResultApproved))))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.scans))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.threats))

	expected := `
# HELP governance_security_score Security score between 0 and 1
# TYPE governance_security_score gauge
governance_security_score 0.9
# HELP governance_identities Registered identities
# TYPE governance_identities gauge
governance_identities 4
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"governance_security_score", "governance_identities")
	require.NoError(t, err)
}

func TestServerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"))

	registry := prometheus.NewRegistry()
	NewCollectors(registry, staticSource{})

	server := NewServer(&config.MetricsConfig{Enabled: true, ListenAddr: "127.0.0.1:0"}, registry, zaptest.NewLogger(t))
	server.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
}
