package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barterhub/barterhub/internal/game"
)

// ErrCompetitionNotFound is returned when no stored run matches the id.
var ErrCompetitionNotFound = errors.New("competition not found")

// CompetitionRecord is one archived competition run.
type CompetitionRecord struct {
	ID          string             `json:"id"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
	Game        game.Dump          `json:"game"`
	Scores      map[string]float64 `json:"scores"`
	Registrants map[string]string  `json:"registrants"`
}

// CompetitionSummary is the listing view of an archived run.
type CompetitionSummary struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	NbAgents  int       `json:"nb_agents"`
	NbTrades  int       `json:"nb_trades"`
}

// ResultsRepository archives finished competitions.
type ResultsRepository struct {
	pool *pgxpool.Pool
}

func NewResultsRepository(pool *pgxpool.Pool) *ResultsRepository {
	return &ResultsRepository{pool: pool}
}

// Save stores one finished run and its settled trades atomically.
func (r *ResultsRepository) Save(ctx context.Context, record CompetitionRecord) error {
	configJSON, err := json.Marshal(record.Game.Configuration)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	initJSON, err := json.Marshal(record.Game.Initialization)
	if err != nil {
		return fmt.Errorf("encode initialization: %w", err)
	}
	scoresJSON, err := json.Marshal(record.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	registrantsJSON, err := json.Marshal(record.Registrants)
	if err != nil {
		return fmt.Errorf("encode registrants: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO competitions
		(competition_id, started_at, ended_at, configuration, initialization, scores, registrants)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, record.ID, record.StartedAt, record.EndedAt, configJSON, initJSON, scoresJSON, registrantsJSON)
	if err != nil {
		return err
	}

	for pos, trade := range record.Game.Transactions {
		quantitiesJSON, err := json.Marshal(trade.Quantities)
		if err != nil {
			return fmt.Errorf("encode quantities: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO competition_transactions
			(competition_id, position, tx_id, buyer, seller, amount, quantities)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, record.ID, pos, trade.ID, trade.Buyer, trade.Seller, trade.Amount, quantitiesJSON)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Get loads one archived run with its trades in settlement order.
func (r *ResultsRepository) Get(ctx context.Context, id string) (CompetitionRecord, error) {
	var (
		record          CompetitionRecord
		configJSON      []byte
		initJSON        []byte
		scoresJSON      []byte
		registrantsJSON []byte
	)
	row := r.pool.QueryRow(ctx, `
		SELECT competition_id, started_at, ended_at, configuration, initialization, scores, registrants
		FROM competitions WHERE competition_id=$1
	`, id)
	err := row.Scan(&record.ID, &record.StartedAt, &record.EndedAt, &configJSON, &initJSON, &scoresJSON, &registrantsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return CompetitionRecord{}, ErrCompetitionNotFound
	}
	if err != nil {
		return CompetitionRecord{}, err
	}
	if err := json.Unmarshal(configJSON, &record.Game.Configuration); err != nil {
		return CompetitionRecord{}, fmt.Errorf("decode configuration: %w", err)
	}
	if err := json.Unmarshal(initJSON, &record.Game.Initialization); err != nil {
		return CompetitionRecord{}, fmt.Errorf("decode initialization: %w", err)
	}
	if err := json.Unmarshal(scoresJSON, &record.Scores); err != nil {
		return CompetitionRecord{}, fmt.Errorf("decode scores: %w", err)
	}
	if err := json.Unmarshal(registrantsJSON, &record.Registrants); err != nil {
		return CompetitionRecord{}, fmt.Errorf("decode registrants: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT tx_id, buyer, seller, amount, quantities
		FROM competition_transactions WHERE competition_id=$1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return CompetitionRecord{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			trade          game.Transaction
			quantitiesJSON []byte
		)
		if err := rows.Scan(&trade.ID, &trade.Buyer, &trade.Seller, &trade.Amount, &quantitiesJSON); err != nil {
			return CompetitionRecord{}, err
		}
		if err := json.Unmarshal(quantitiesJSON, &trade.Quantities); err != nil {
			return CompetitionRecord{}, fmt.Errorf("decode quantities: %w", err)
		}
		record.Game.Transactions = append(record.Game.Transactions, trade)
	}
	if err := rows.Err(); err != nil {
		return CompetitionRecord{}, err
	}
	return record, nil
}

// List returns recent runs, newest first.
func (r *ResultsRepository) List(ctx context.Context, limit int) ([]CompetitionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT c.competition_id, c.started_at, c.ended_at,
		       jsonb_array_length(c.configuration->'agent_ids'),
		       (SELECT COUNT(*) FROM competition_transactions t WHERE t.competition_id=c.competition_id)
		FROM competitions c
		ORDER BY c.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CompetitionSummary
	for rows.Next() {
		var s CompetitionSummary
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.NbAgents, &s.NbTrades); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
