package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository defines the durable storage contract of the governance engine.
// Rounds are append-only: AppendRound never overwrites an existing round.
type Repository interface {
	// Identity operations
	SaveIdentity(ctx context.Context, identity *Identity) error
	ListIdentities(ctx context.Context) ([]*Identity, error)

	// Proposal operations
	SaveProposal(ctx context.Context, proposal *Proposal) error
	ListProposals(ctx context.Context) ([]*Proposal, error)

	// Consensus history
	AppendRound(ctx context.Context, round *ConsensusRound) error
	ListRounds(ctx context.Context) ([]*ConsensusRound, error)

	// Threat log
	SaveThreat(ctx context.Context, threat *SecurityThreat) error
	ListThreats(ctx context.Context) ([]*SecurityThreat, error)

	Close()
}

// PostgresRepository implements Repository interface using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresOptions tunes the connection pool
type PostgresOptions struct {
	MaxConns int32
	MinConns int32
}

// NewPostgresRepository creates a new PostgreSQL repository instance and
// applies the embedded schema
func NewPostgresRepository(ctx context.Context, connStr string, opts PostgresOptions, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := NewSchemaManager(pool).InitializeSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Ping checks database health
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// SaveIdentity upserts an identity record
func (r *PostgresRepository) SaveIdentity(ctx context.Context, identity *Identity) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("validating identity: %w", err)
	}

	payload, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}

	query := `
		INSERT INTO identities (
			id, public_key, class, tier, revoked, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier,
			revoked = EXCLUDED.revoked,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`

	_, err = r.pool.Exec(ctx, query,
		identity.ID, identity.PublicKey, string(identity.Class), int(identity.Tier),
		identity.Revoked, payload, identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting identity: %w", err)
	}

	return nil
}

// ListIdentities retrieves every identity, revoked ones included
func (r *PostgresRepository) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := r.pool.Query(ctx, `SELECT payload FROM identities ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var identities []*Identity
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}
		identity := &Identity{}
		if err := json.Unmarshal(payload, identity); err != nil {
			return nil, fmt.Errorf("decoding identity: %w", err)
		}
		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity rows: %w", err)
	}

	return identities, nil
}

// SaveProposal upserts a proposal record
func (r *PostgresRepository) SaveProposal(ctx context.Context, proposal *Proposal) error {
	if err := proposal.Validate(); err != nil {
		return fmt.Errorf("validating proposal: %w", err)
	}

	payload, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("marshaling proposal: %w", err)
	}

	query := `
		INSERT INTO proposals (
			id, proposer_id, category, status, payload, submitted_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`

	_, err = r.pool.Exec(ctx, query,
		proposal.ID, proposal.ProposerID, string(proposal.Category), string(proposal.Status),
		payload, proposal.SubmittedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting proposal: %w", err)
	}

	return nil
}

// ListProposals retrieves every stored proposal
func (r *PostgresRepository) ListProposals(ctx context.Context) ([]*Proposal, error) {
	rows, err := r.pool.Query(ctx, `SELECT payload FROM proposals ORDER BY submitted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*Proposal
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning proposal row: %w", err)
		}
		proposal := &Proposal{}
		if err := json.Unmarshal(payload, proposal); err != nil {
			return nil, fmt.Errorf("decoding proposal: %w", err)
		}
		proposals = append(proposals, proposal)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating proposal rows: %w", err)
	}

	return proposals, nil
}

// AppendRound persists a consensus round. Existing rounds are never replaced.
func (r *PostgresRepository) AppendRound(ctx context.Context, round *ConsensusRound) error {
	votes, err := EncodeVotes(round.Votes)
	if err != nil {
		return err
	}
	tally, err := json.Marshal(round.Tally)
	if err != nil {
		return fmt.Errorf("marshaling tally: %w", err)
	}

	query := `
		INSERT INTO consensus_rounds (
			round_number, proposer_id, proposal_ids, result, tally, votes,
			finalized_at, prev_hash, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.pool.Exec(ctx, query,
		int64(round.RoundNumber), round.ProposerID, round.ProposalIDs, string(round.Result),
		tally, votes, round.FinalizedAt, round.PrevHash, round.Hash,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return fmt.Errorf("round %d: %w", round.RoundNumber, ErrDuplicate)
		}
		return fmt.Errorf("inserting consensus round: %w", err)
	}

	return nil
}

// ListRounds retrieves the consensus history ordered by round number
func (r *PostgresRepository) ListRounds(ctx context.Context) ([]*ConsensusRound, error) {
	query := `
		SELECT round_number, proposer_id, proposal_ids, result, tally, votes,
			   finalized_at, prev_hash, hash
		FROM consensus_rounds
		ORDER BY round_number`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying consensus rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*ConsensusRound
	for rows.Next() {
		var (
			number int64
			result string
			tally  []byte
			votes  []byte
		)
		round := &ConsensusRound{}
		err := rows.Scan(
			&number, &round.ProposerID, &round.ProposalIDs, &result, &tally, &votes,
			&round.FinalizedAt, &round.PrevHash, &round.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning consensus round row: %w", err)
		}
		round.RoundNumber = uint64(number)
		round.Result = ConsensusResult(result)
		round.FinalizedAt = round.FinalizedAt.UTC()
		if err := json.Unmarshal(tally, &round.Tally); err != nil {
			return nil, fmt.Errorf("decoding tally of round %d: %w", number, err)
		}
		if round.Votes, err = DecodeVotes(votes); err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating consensus round rows: %w", err)
	}

	return rounds, nil
}

// SaveThreat upserts a threat; only mitigation status changes over time
func (r *PostgresRepository) SaveThreat(ctx context.Context, threat *SecurityThreat) error {
	payload, err := json.Marshal(threat)
	if err != nil {
		return fmt.Errorf("marshaling threat: %w", err)
	}

	query := `
		INSERT INTO security_threats (
			id, type, severity, status, payload, detected_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`

	_, err = r.pool.Exec(ctx, query,
		threat.ID, string(threat.Type), int(threat.Severity), string(threat.Status),
		payload, threat.DetectedAt, threat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting threat: %w", err)
	}

	return nil
}

// ListThreats retrieves the threat log in detection order
func (r *PostgresRepository) ListThreats(ctx context.Context) ([]*SecurityThreat, error) {
	rows, err := r.pool.Query(ctx, `SELECT payload FROM security_threats ORDER BY detected_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying threats: %w", err)
	}
	defer rows.Close()

	var threats []*SecurityThreat
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning threat row: %w", err)
		}
		threat := &SecurityThreat{}
		if err := json.Unmarshal(payload, threat); err != nil {
			return nil, fmt.Errorf("decoding threat: %w", err)
		}
		threats = append(threats, threat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threat rows: %w", err)
	}

	return threats, nil
}

// Helper function to check for PostgreSQL duplicate key errors
func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}

var _ Repository = (*PostgresRepository)(nil)
