package audit

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
)

// PGLog persists one named chain in Postgres with the same linkage
// semantics as Log. Appends take a per-chain advisory lock inside the
// transaction so seq stays gapless under concurrent writers.
type PGLog struct {
	DB   *pgxpool.Pool
	Name string
	now  func() time.Time
}

func NewPGLog(db *pgxpool.Pool, name string) *PGLog {
	return &PGLog{DB: db, Name: name, now: time.Now}
}

func (l *PGLog) Migrate(ctx context.Context) error {
	_, err := l.DB.Exec(ctx, `CREATE TABLE IF NOT EXISTS audit_entries (
  chain       TEXT        NOT NULL,
  seq         BIGINT      NOT NULL,
  ts          TEXT        NOT NULL,
  event_type  TEXT        NOT NULL,
  payload     TEXT        NOT NULL,
  prev_digest TEXT        NOT NULL,
  digest      TEXT        NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (chain, seq)
)`)
	return err
}

func (l *PGLog) Append(ctx context.Context, eventType string, payload any) (Entry, error) {
	if strings.TrimSpace(eventType) == "" {
		return Entry{}, errors.New("event type is required")
	}
	body, err := canonjson.Canonicalize(payload)
	if err != nil {
		return Entry{}, err
	}

	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey(l.Name)); err != nil {
		return Entry{}, err
	}

	var seq uint64
	prev := Genesis()
	err = tx.QueryRow(ctx, `SELECT seq, digest FROM audit_entries WHERE chain=$1 ORDER BY seq DESC LIMIT 1`, l.Name).
		Scan(&seq, &prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, err
	}

	e := Entry{
		Seq:        seq + 1,
		Timestamp:  l.now().UTC().Format(time.RFC3339Nano),
		EventType:  eventType,
		Payload:    body,
		PrevDigest: prev,
	}
	e.Digest = computeDigest(e.Seq, e.Timestamp, e.EventType, e.Payload, e.PrevDigest)

	_, err = tx.Exec(ctx, `INSERT INTO audit_entries(chain,seq,ts,event_type,payload,prev_digest,digest)
VALUES($1,$2,$3,$4,$5,$6,$7)`,
		l.Name, e.Seq, e.Timestamp, e.EventType, string(e.Payload), e.PrevDigest, e.Digest)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (l *PGLog) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.DB.Query(ctx, `SELECT seq,ts,event_type,payload,prev_digest,digest
FROM audit_entries WHERE chain=$1 ORDER BY seq ASC`, l.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.EventType, &payload, &e.PrevDigest, &e.Digest); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PGLog) TailDigest(ctx context.Context) (string, error) {
	var digest string
	err := l.DB.QueryRow(ctx, `SELECT digest FROM audit_entries WHERE chain=$1 ORDER BY seq DESC LIMIT 1`, l.Name).
		Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return Genesis(), nil
	}
	if err != nil {
		return "", err
	}
	return digest, nil
}

// VerifySelf loads the full chain and checks it.
func (l *PGLog) VerifySelf(ctx context.Context) error {
	entries, err := l.Entries(ctx)
	if err != nil {
		return err
	}
	return Verify(entries)
}

func chainLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("audit:" + name))
	return int64(h.Sum64())
}
