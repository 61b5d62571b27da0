package searcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ethToWei = big.NewInt(1e18)

	ErrAttemptNotFound = errors.New("attempt not found")
)

type DBBundleAttempt struct {
	TxHash      []byte         `db:"tx_hash"`
	BundleHash  []byte         `db:"bundle_hash"`
	RelayHash   []byte         `db:"relay_bundle_hash"`
	Pool        []byte         `db:"pool"`
	TargetBlock int64          `db:"target_block"`
	Mode        string         `db:"mode"`
	Stage       string         `db:"stage"`
	Success     bool           `db:"success"`
	Error       sql.NullString `db:"error"`
	Profit      sql.NullString `db:"profit"`
	GasUsed     sql.NullInt64  `db:"gas_used"`
	StartedAt   time.Time      `db:"started_at"`
	DurationMs  int64          `db:"duration_ms"`
	Body        []byte         `db:"body"`
	InsertedAt  time.Time      `db:"inserted_at"`
}

var insertAttemptQuery = `
INSERT INTO bundle_attempt (tx_hash, bundle_hash, relay_bundle_hash, pool, target_block, mode, stage, success,
                            error, profit, gas_used, started_at, duration_ms, body)
VALUES (:tx_hash, :bundle_hash, :relay_bundle_hash, :pool, :target_block, :mode, :stage, :success,
        :error, :profit, :gas_used, :started_at, :duration_ms, :body)
ON CONFLICT (tx_hash) DO NOTHING`

var getAttemptQuery = `
SELECT tx_hash, bundle_hash, relay_bundle_hash, pool, target_block, mode, stage, success,
       error, profit, gas_used, started_at, duration_ms, body, inserted_at
FROM bundle_attempt
WHERE tx_hash = $1`

type DBBackend struct {
	db *sqlx.DB

	insertAttempt *sqlx.NamedStmt
	getAttempt    *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertAttempt, err := db.PrepareNamed(insertAttemptQuery)
	if err != nil {
		return nil, err
	}
	getAttempt, err := db.Preparex(getAttemptQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:            db,
		insertAttempt: insertAttempt,
		getAttempt:    getAttempt,
	}, nil
}

// InsertAttempt stores the attempt. The first record for a transaction wins.
func (b *DBBackend) InsertAttempt(ctx context.Context, attempt *Attempt) error {
	body, err := json.Marshal(attempt)
	if err != nil {
		return err
	}

	dbAttempt := DBBundleAttempt{
		TxHash:      attempt.TxHash.Bytes(),
		BundleHash:  attempt.BundleHash.Bytes(),
		RelayHash:   attempt.RelayHash.Bytes(),
		Pool:        attempt.Pool.Bytes(),
		TargetBlock: int64(attempt.TargetBlock),
		Mode:        string(attempt.Mode),
		Stage:       string(attempt.Stage),
		Success:     attempt.Success,
		Error:       sql.NullString{String: attempt.Error, Valid: attempt.Error != ""},
		GasUsed:     sql.NullInt64{Int64: int64(attempt.GasUsed), Valid: attempt.GasUsed != 0},
		StartedAt:   attempt.StartedAt,
		DurationMs:  attempt.Duration.Milliseconds(),
		Body:        body,
	}
	if attempt.Profit != nil {
		dbAttempt.Profit = sql.NullString{String: dbIntToEth(attempt.Profit.ToInt()), Valid: true}
	}

	_, err = b.insertAttempt.ExecContext(ctx, dbAttempt)
	return err
}

func (b *DBBackend) GetAttempt(ctx context.Context, txHash common.Hash) (*Attempt, error) {
	var dbAttempt DBBundleAttempt
	err := b.getAttempt.GetContext(ctx, &dbAttempt, txHash.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	} else if err != nil {
		return nil, err
	}

	var attempt Attempt
	err = json.Unmarshal(dbAttempt.Body, &attempt)
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func dbIntToEth(i *big.Int) string {
	return new(big.Rat).SetFrac(i, ethToWei).FloatString(18)
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
