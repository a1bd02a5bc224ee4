package registry

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/signature"
)

// PGStore persists registrations in Postgres with the same idempotency
// semantics as MemStore. Adds take an advisory lock inside the
// transaction so the select-then-insert pair stays race free.
type PGStore struct {
	DB *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `CREATE TABLE IF NOT EXISTS registry_entries (
  seq           BIGSERIAL   PRIMARY KEY,
  id            TEXT        NOT NULL,
  manifest_hash TEXT        NOT NULL,
  proof_hash    TEXT        NOT NULL,
  added_at      TEXT        NOT NULL,
  signature     TEXT        NOT NULL,
  public_key    TEXT        NOT NULL,
  kid           TEXT        NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (manifest_hash, proof_hash)
)`)
	return err
}

func (s *PGStore) Add(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	envelope, err := canonjson.Canonicalize(e.Signature)
	if err != nil {
		return err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pairLockKey(e.ManifestHash, e.ProofHash)); err != nil {
		return err
	}

	existing, found, err := findTx(ctx, tx, e.ManifestHash, e.ProofHash)
	if err != nil {
		return err
	}
	if found {
		if sameSigner(existing, e) {
			return nil
		}
		return &DuplicateError{ManifestHash: e.ManifestHash, ProofHash: e.ProofHash}
	}

	_, err = tx.Exec(ctx, `INSERT INTO registry_entries(id,manifest_hash,proof_hash,added_at,signature,public_key,kid)
VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ManifestHash, e.ProofHash, e.AddedAt, string(envelope), e.PublicKey, e.KID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Find(ctx context.Context, manifestHash, proofHash string) (Entry, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT id,manifest_hash,proof_hash,added_at,signature,public_key,kid
FROM registry_entries WHERE manifest_hash=$1 AND proof_hash=$2`, manifestHash, proofHash)
	return scanEntry(row)
}

// List returns entries in insertion order. A non-positive limit returns
// everything from offset.
func (s *PGStore) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id,manifest_hash,proof_hash,added_at,signature,public_key,kid
FROM registry_entries ORDER BY seq ASC OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM registry_entries`).Scan(&n)
	return n, err
}

func findTx(ctx context.Context, tx pgx.Tx, manifestHash, proofHash string) (Entry, bool, error) {
	row := tx.QueryRow(ctx, `SELECT id,manifest_hash,proof_hash,added_at,signature,public_key,kid
FROM registry_entries WHERE manifest_hash=$1 AND proof_hash=$2`, manifestHash, proofHash)
	return scanEntry(row)
}

func scanEntry(row pgx.Row) (Entry, bool, error) {
	var e Entry
	var envelope string
	err := row.Scan(&e.ID, &e.ManifestHash, &e.ProofHash, &e.AddedAt, &envelope, &e.PublicKey, &e.KID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var env signature.Envelope
	if err := json.Unmarshal([]byte(envelope), &env); err != nil {
		return Entry{}, false, err
	}
	e.Signature = env
	return e, true, nil
}

func pairLockKey(manifestHash, proofHash string) int64 {
	h := fnv.New64a()
	h.Write([]byte("registry:" + manifestHash + "|" + proofHash))
	return int64(h.Sum64())
}
