package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type identityRow struct {
	ID           string `gorm:"primaryKey"`
	PublicKey    []byte `gorm:"index"`
	Class        string
	Tier         int
	Revoked      bool
	Payload      []byte
	RegisteredAt int64 `gorm:"index"`
}

func (identityRow) TableName() string { return "identities" }

type proposalRow struct {
	ID         string `gorm:"primaryKey"`
	ProposerID string `gorm:"index"`
	Category   string
	Status     string `gorm:"index"`
	Payload    []byte
	Submitted  int64 `gorm:"index"`
}

func (proposalRow) TableName() string { return "proposals" }

type roundRow struct {
	RoundNumber uint64 `gorm:"primaryKey;autoIncrement:false"`
	ProposerID  string
	ProposalIDs []byte
	Result      string
	Tally       []byte
	Votes       []byte
	FinalizedAt int64
	PrevHash    []byte
	Hash        []byte
}

func (roundRow) TableName() string { return "consensus_rounds" }

type threatRow struct {
	ID       string `gorm:"primaryKey"`
	Type     string `gorm:"index"`
	Severity int
	Status   string
	Payload  []byte
	Detected int64 `gorm:"index"`
}

func (threatRow) TableName() string { return "security_threats" }

// SQLiteRepository implements Repository on an embedded SQLite file
type SQLiteRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (or creates) governance.sqlite under dataDir.
// An empty dataDir selects a shared in-memory database.
func NewSQLiteRepository(dataDir string, logger *zap.Logger) (*SQLiteRepository, error) {
	dsn := "file::memory:?cache=shared"
	if dataDir != "" {
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data dir: %w", err)
			}
		}
		// WAL journal mode, full sync so appended rounds survive a crash
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
			filepath.Join(dataDir, "governance.sqlite"))
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, model := range []interface{}{&identityRow{}, &proposalRow{}, &roundRow{}, &threatRow{}} {
		if err := db.AutoMigrate(model); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("migrating %T: %w", model, err)
		}
	}

	return &SQLiteRepository{db: db, logger: logger}, nil
}

func (r *SQLiteRepository) Close() {
	sqlDB, err := r.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		r.logger.Warn("Failed to close sqlite database", zap.Error(err))
	}
}

func (r *SQLiteRepository) upsert(ctx context.Context, row interface{}) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (r *SQLiteRepository) SaveIdentity(ctx context.Context, identity *Identity) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("validating identity: %w", err)
	}
	payload, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}
	row := &identityRow{
		ID:           identity.ID,
		PublicKey:    identity.PublicKey,
		Class:        string(identity.Class),
		Tier:         int(identity.Tier),
		Revoked:      identity.Revoked,
		Payload:      payload,
		RegisteredAt: identity.CreatedAt.UnixNano(),
	}
	if err := r.upsert(ctx, row); err != nil {
		return fmt.Errorf("upserting identity: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListIdentities(ctx context.Context) ([]*Identity, error) {
	var rows []identityRow
	if err := r.db.WithContext(ctx).Order("registered_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	identities := make([]*Identity, 0, len(rows))
	for _, row := range rows {
		identity := &Identity{}
		if err := json.Unmarshal(row.Payload, identity); err != nil {
			return nil, fmt.Errorf("decoding identity %s: %w", row.ID, err)
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

func (r *SQLiteRepository) SaveProposal(ctx context.Context, proposal *Proposal) error {
	if err := proposal.Validate(); err != nil {
		return fmt.Errorf("validating proposal: %w", err)
	}
	payload, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("marshaling proposal: %w", err)
	}
	row := &proposalRow{
		ID:         proposal.ID,
		ProposerID: proposal.ProposerID,
		Category:   string(proposal.Category),
		Status:     string(proposal.Status),
		Payload:    payload,
		Submitted:  proposal.SubmittedAt.UnixNano(),
	}
	if err := r.upsert(ctx, row); err != nil {
		return fmt.Errorf("upserting proposal: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListProposals(ctx context.Context) ([]*Proposal, error) {
	var rows []proposalRow
	if err := r.db.WithContext(ctx).Order("submitted, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying proposals: %w", err)
	}
	proposals := make([]*Proposal, 0, len(rows))
	for _, row := range rows {
		proposal := &Proposal{}
		if err := json.Unmarshal(row.Payload, proposal); err != nil {
			return nil, fmt.Errorf("decoding proposal %s: %w", row.ID, err)
		}
		proposals = append(proposals, proposal)
	}
	return proposals, nil
}

// AppendRound inserts a round inside a transaction that refuses to touch an
// existing round number
func (r *SQLiteRepository) AppendRound(ctx context.Context, round *ConsensusRound) error {
	votes, err := EncodeVotes(round.Votes)
	if err != nil {
		return err
	}
	tally, err := json.Marshal(round.Tally)
	if err != nil {
		return fmt.Errorf("marshaling tally: %w", err)
	}
	ids, err := json.Marshal(round.ProposalIDs)
	if err != nil {
		return fmt.Errorf("marshaling proposal ids: %w", err)
	}
	row := &roundRow{
		RoundNumber: round.RoundNumber,
		ProposerID:  round.ProposerID,
		ProposalIDs: ids,
		Result:      string(round.Result),
		Tally:       tally,
		Votes:       votes,
		FinalizedAt: round.FinalizedAt.UnixNano(),
		PrevHash:    round.PrevHash,
		Hash:        round.Hash,
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&roundRow{}).Where("round_number = ?", round.RoundNumber).Count(&count).Error; err != nil {
			return fmt.Errorf("checking round %d: %w", round.RoundNumber, err)
		}
		if count > 0 {
			return fmt.Errorf("round %d: %w", round.RoundNumber, ErrDuplicate)
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("inserting consensus round: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) ListRounds(ctx context.Context) ([]*ConsensusRound, error) {
	var rows []roundRow
	if err := r.db.WithContext(ctx).Order("round_number").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying consensus rounds: %w", err)
	}
	rounds := make([]*ConsensusRound, 0, len(rows))
	for _, row := range rows {
		round := &ConsensusRound{
			RoundNumber: row.RoundNumber,
			ProposerID:  row.ProposerID,
			Result:      ConsensusResult(row.Result),
			FinalizedAt: time.Unix(0, row.FinalizedAt).UTC(),
			PrevHash:    row.PrevHash,
			Hash:        row.Hash,
		}
		if err := json.Unmarshal(row.ProposalIDs, &round.ProposalIDs); err != nil {
			return nil, fmt.Errorf("decoding proposal ids of round %d: %w", row.RoundNumber, err)
		}
		if err := json.Unmarshal(row.Tally, &round.Tally); err != nil {
			return nil, fmt.Errorf("decoding tally of round %d: %w", row.RoundNumber, err)
		}
		votes, err := DecodeVotes(row.Votes)
		if err != nil {
			return nil, err
		}
		round.Votes = votes
		rounds = append(rounds, round)
	}
	return rounds, nil
}

func (r *SQLiteRepository) SaveThreat(ctx context.Context, threat *SecurityThreat) error {
	if threat.ID == "" {
		return ErrInvalidID
	}
	payload, err := json.Marshal(threat)
	if err != nil {
		return fmt.Errorf("marshaling threat: %w", err)
	}
	row := &threatRow{
		ID:       threat.ID,
		Type:     string(threat.Type),
		Severity: int(threat.Severity),
		Status:   string(threat.Status),
		Payload:  payload,
		Detected: threat.DetectedAt.UnixNano(),
	}
	if err := r.upsert(ctx, row); err != nil {
		return fmt.Errorf("upserting threat: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListThreats(ctx context.Context) ([]*SecurityThreat, error) {
	var rows []threatRow
	if err := r.db.WithContext(ctx).Order("detected, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying threats: %w", err)
	}
	threats := make([]*SecurityThreat, 0, len(rows))
	for _, row := range rows {
		threat := &SecurityThreat{}
		if err := json.Unmarshal(row.Payload, threat); err != nil {
			return nil, fmt.Errorf("decoding threat %s: %w", row.ID, err)
		}
		threats = append(threats, threat)
	}
	return threats, nil
}
