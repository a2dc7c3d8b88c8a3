package monitor

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"governance_engine/pkg/config"
	"governance_engine/pkg/data"
	"governance_engine/pkg/identity"
	"governance_engine/pkg/proposal"
	"governance_engine/pkg/utils"
)

// severityWeights are subtracted from the security score per open threat
var severityWeights = map[data.Severity]float64{
	data.SeverityLow:      0.01,
	data.SeverityMedium:   0.05,
	data.SeverityHigh:     0.1,
	data.SeverityCritical: 0.25,
}

// Monitor scans identities and proposals for attack patterns. It owns the
// threat log and only annotates identities with flags.
type Monitor struct {
	cfg      *config.MonitorConfig
	registry *identity.Registry
	manager  *proposal.Manager
	repo     data.Repository
	clock    clock.Clock
	logger   *zap.Logger
	threats  []*data.SecurityThreat
	byID     map[string]*data.SecurityThreat
	mu       sync.RWMutex
}

// NewMonitor creates a security monitor
func NewMonitor(cfg *config.MonitorConfig, registry *identity.Registry, manager *proposal.Manager, repo data.Repository, clk clock.Clock, logger *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		repo:     repo,
		clock:    clk,
		logger:   logger,
		byID:     make(map[string]*data.SecurityThreat),
	}
}

// Load restores the threat log from the repository
func (m *Monitor) Load(ctx context.Context) error {
	threats, err := m.repo.ListThreats(ctx)
	if err != nil {
		return fmt.Errorf("loading threats: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.threats = threats
	for _, t := range threats {
		m.byID[t.ID] = t
	}
	m.logger.Info("Threat log loaded", zap.Int("threats", len(threats)))
	return nil
}

// Scan runs every detector once and returns the number of new threats.
// Findings are recorded, never returned as errors; the error reports only
// storage failures.
func (m *Monitor) Scan(ctx context.Context) (int, error) {
	identities := m.registry.List()
	proposals := m.manager.List()
	now := m.clock.Now().UTC()

	var findings []*data.SecurityThreat
	findings = append(findings, m.scanRapidVotes(proposals)...)
	findings = append(findings, scanSharedKeys(identities)...)
	findings = append(findings, scanDoubleVotes(proposals)...)
	if t := m.scanSybilBurst(identities, now); t != nil {
		findings = append(findings, t)
	}

	raised := 0
	for _, t := range findings {
		ok, err := m.raise(ctx, t)
		if err != nil {
			return raised, err
		}
		if ok {
			raised++
		}
	}

	m.logger.Debug("Security scan complete",
		zap.Int("findings", len(findings)),
		zap.Int("raised", raised),
		zap.Float64("securityScore", m.SecurityScore()))
	return raised, nil
}

// ReportDuplicateKey records a registration that reused a known public key
func (m *Monitor) ReportDuplicateKey(ctx context.Context, existingID, attemptedID string) {
	t := &data.SecurityThreat{
		Type:               data.ThreatIdentityTheft,
		Severity:           data.SeverityHigh,
		AffectedIdentities: sortedIDs([]string{existingID, attemptedID}),
		Description:        fmt.Sprintf("registration %s reused the public key of %s", attemptedID, existingID),
	}
	if _, err := m.raise(ctx, t); err != nil {
		m.logger.Error("Failed to record duplicate key threat",
			zap.String("existingID", existingID),
			zap.String("attemptedID", attemptedID),
			zap.Error(err))
	}
}

// Mitigate moves a threat along its mitigation path. A false positive
// resolves the flags the threat raised.
func (m *Monitor) Mitigate(ctx context.Context, threatID string, status data.MitigationStatus) error {
	m.mu.Lock()
	current, exists := m.byID[threatID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("threat %s: %w", threatID, data.ErrThreatNotFound)
	}
	if !current.Status.CanTransition(status) {
		m.mu.Unlock()
		return fmt.Errorf("threat %s %s -> %s: %w", threatID, current.Status, status, data.ErrInvalidMitigation)
	}

	next := current.Clone()
	next.Status = status
	next.UpdatedAt = m.clock.Now().UTC()
	if err := m.repo.SaveThreat(ctx, next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("saving threat %s: %w", threatID, err)
	}
	*current = *next
	m.mu.Unlock()

	m.logger.Info("Threat mitigation updated",
		zap.String("threatID", threatID),
		zap.String("status", string(status)))

	if status == data.MitigationFalsePositive {
		if _, err := m.registry.ResolveThreatFlags(ctx, threatID); err != nil {
			return fmt.Errorf("resolving flags of %s: %w", threatID, err)
		}
	}
	return nil
}

// Threats returns copies of the whole threat log in detection order
func (m *Monitor) Threats() []*data.SecurityThreat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*data.SecurityThreat, len(m.threats))
	for i, t := range m.threats {
		out[i] = t.Clone()
	}
	return out
}

// OpenThreats returns copies of threats that are not yet mitigated
func (m *Monitor) OpenThreats() []*data.SecurityThreat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*data.SecurityThreat
	for _, t := range m.threats {
		if t.Status.Open() {
			out = append(out, t.Clone())
		}
	}
	return out
}

// SecurityScore is 1 minus the severity weight of every open threat,
// clamped to [0, 1]
func (m *Monitor) SecurityScore() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	penalty := 0.0
	for _, t := range m.threats {
		if t.Status.Open() {
			penalty += severityWeights[t.Severity]
		}
	}
	return utils.Clamp(1-penalty, 0, 1)
}

// raise appends t unless an open threat with the same key exists, then flags
// the affected identities. It reports whether t was new.
func (m *Monitor) raise(ctx context.Context, t *data.SecurityThreat) (bool, error) {
	now := m.clock.Now().UTC()
	key := dedupKey(t)

	m.mu.Lock()
	for _, existing := range m.threats {
		if existing.Status.Open() && dedupKey(existing) == key {
			m.mu.Unlock()
			return false, nil
		}
	}

	t.ID = uuid.New().String()
	t.Status = data.MitigationDetected
	t.DetectedAt = now
	t.UpdatedAt = now
	if err := m.repo.SaveThreat(ctx, t); err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("saving threat: %w", err)
	}
	m.threats = append(m.threats, t)
	m.byID[t.ID] = t
	m.mu.Unlock()

	m.logger.Warn("Security threat detected",
		zap.String("threatID", t.ID),
		zap.String("type", string(t.Type)),
		zap.Stringer("severity", t.Severity),
		zap.String("proposalID", t.ProposalID),
		zap.Strings("identities", t.AffectedIdentities))

	for _, id := range t.AffectedIdentities {
		if _, err := m.registry.Flag(ctx, id, t.Type, t.Severity, t.Description, t.ID); err != nil {
			m.logger.Warn("Failed to flag identity",
				zap.String("identityID", id),
				zap.String("threatID", t.ID),
				zap.Error(err))
		}
	}
	return true, nil
}

// scanRapidVotes flags proposals receiving more than MaxRapidVotes ballots
// that each arrive within RapidVoteWindow of the previous one
func (m *Monitor) scanRapidVotes(proposals []*data.Proposal) []*data.SecurityThreat {
	var threats []*data.SecurityThreat
	for _, p := range proposals {
		if p.Status != data.StatusVotingOpen || len(p.Ballots) < 2 {
			continue
		}

		ballots := append([]*data.Vote(nil), p.Ballots...)
		sort.Slice(ballots, func(i, j int) bool { return ballots[i].Arrival().Before(ballots[j].Arrival()) })

		rapid := 0
		voters := map[string]struct{}{}
		for i := 1; i < len(ballots); i++ {
			if ballots[i].Arrival().Sub(ballots[i-1].Arrival()) < m.cfg.RapidVoteWindow {
				rapid++
				voters[ballots[i-1].VoterID] = struct{}{}
				voters[ballots[i].VoterID] = struct{}{}
			}
		}
		if rapid <= m.cfg.MaxRapidVotes {
			continue
		}

		threats = append(threats, &data.SecurityThreat{
			Type:               data.ThreatVoteManipulation,
			Severity:           data.SeverityMedium,
			ProposalID:         p.ID,
			AffectedIdentities: sortedKeys(voters),
			Description:        fmt.Sprintf("%d ballots within %s of each other", rapid, m.cfg.RapidVoteWindow),
		})
	}
	return threats
}

// scanSharedKeys flags every group of identities sharing a public key
func scanSharedKeys(identities []*data.Identity) []*data.SecurityThreat {
	byKey := map[string][]string{}
	for _, i := range identities {
		key := hex.EncodeToString(i.PublicKey)
		byKey[key] = append(byKey[key], i.ID)
	}

	var threats []*data.SecurityThreat
	for _, ids := range byKey {
		if len(ids) < 2 {
			continue
		}
		threats = append(threats, &data.SecurityThreat{
			Type:               data.ThreatIdentityTheft,
			Severity:           data.SeverityHigh,
			AffectedIdentities: sortedIDs(ids),
			Description:        fmt.Sprintf("%d identities share one public key", len(ids)),
		})
	}
	sort.Slice(threats, func(i, j int) bool {
		return threats[i].AffectedIdentities[0] < threats[j].AffectedIdentities[0]
	})
	return threats
}

// scanDoubleVotes flags voters with more than one recorded ballot on a proposal
func scanDoubleVotes(proposals []*data.Proposal) []*data.SecurityThreat {
	var threats []*data.SecurityThreat
	for _, p := range proposals {
		counts := map[string]int{}
		for _, b := range p.Ballots {
			counts[b.VoterID]++
		}

		repeat := map[string]struct{}{}
		for voter, n := range counts {
			if n > 1 {
				repeat[voter] = struct{}{}
			}
		}
		if len(repeat) == 0 {
			continue
		}

		threats = append(threats, &data.SecurityThreat{
			Type:               data.ThreatConsensusAttack,
			Severity:           data.SeverityHigh,
			ProposalID:         p.ID,
			AffectedIdentities: sortedKeys(repeat),
			Description:        fmt.Sprintf("%d voters cast more than one ballot", len(repeat)),
		})
	}
	return threats
}

// scanSybilBurst flags the network when too large a share of all
// registrations happened within SybilWindow
func (m *Monitor) scanSybilBurst(identities []*data.Identity, now time.Time) *data.SecurityThreat {
	total := len(identities)
	if total < m.cfg.SybilMinRegistrations || total == 0 {
		return nil
	}

	var recent []string
	for _, i := range identities {
		if now.Sub(i.CreatedAt) <= m.cfg.SybilWindow {
			recent = append(recent, i.ID)
		}
	}

	fraction := float64(len(recent)) / float64(total)
	if fraction <= m.cfg.SybilFraction {
		return nil
	}

	return &data.SecurityThreat{
		Type:               data.ThreatSybilAttack,
		Severity:           data.SeverityMedium,
		AffectedIdentities: sortedIDs(recent),
		Description:        fmt.Sprintf("%.0f%% of %d registrations within %s", fraction*100, total, m.cfg.SybilWindow),
	}
}

// dedupKey identifies equivalent threats. Sybil bursts are network-wide, so
// only one may be open at a time.
func dedupKey(t *data.SecurityThreat) string {
	if t.Type == data.ThreatSybilAttack {
		return string(t.Type)
	}
	return string(t.Type) + "|" + t.ProposalID + "|" + strings.Join(t.AffectedIdentities, ",")
}

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
