// Package workflow drives the assurance pipeline end to end: records are
// committed, a policy is compiled and evaluated in the sandbox, the
// manifest is signed, and the resulting artifacts are bundled and
// registered. Every state transition lands in the audit chain.
package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/audit"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/bundle"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/commitment"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/db"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/keys"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/policy"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/proof"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/registry"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/sandbox"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/signature"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/verifier"
)

// AuditSink is the chain the engine journals into. *audit.PGLog satisfies
// it directly; wrap an in-memory log with NewMemSink.
type AuditSink interface {
	Append(ctx context.Context, eventType string, payload any) (audit.Entry, error)
	Entries(ctx context.Context) ([]audit.Entry, error)
	TailDigest(ctx context.Context) (string, error)
	VerifySelf(ctx context.Context) error
}

type memSink struct {
	log *audit.Log
}

// NewMemSink adapts an in-memory audit log to the engine's sink.
func NewMemSink(log *audit.Log) AuditSink {
	return memSink{log: log}
}

func (s memSink) Append(_ context.Context, eventType string, payload any) (audit.Entry, error) {
	return s.log.Append(eventType, payload)
}

func (s memSink) Entries(context.Context) ([]audit.Entry, error) {
	return s.log.Entries(), nil
}

func (s memSink) TailDigest(context.Context) (string, error) {
	return s.log.TailDigest(), nil
}

func (s memSink) VerifySelf(context.Context) error {
	return s.log.VerifySelf()
}

// Options configures an engine. Zero values select in-memory stores, the
// mock backend and the default evaluator limits.
type Options struct {
	Backend  string
	Backends *proof.BackendSet
	Policies policy.Store
	Ring     *keys.Ring
	Registry registry.Store
	Audit    AuditSink
	Limits   sandbox.Limits
	Clock    func() time.Time
}

// Engine holds the pipeline state between operations. One engine serves
// one record set at a time; operations serialize on an internal mutex.
type Engine struct {
	mu       sync.Mutex
	backend  string
	backends *proof.BackendSet
	policies policy.Store
	ring     *keys.Ring
	registry registry.Store
	audit    AuditSink
	limits   sandbox.Limits
	now      func() time.Time
	pool     *pgxpool.Pool

	partners      []commitment.Partner
	beneficiaries []commitment.Beneficiary
	imported      bool
	set           *commitment.Set
	compiled      *policy.Compiled
	manifest      *proof.Manifest
	manifestHash  string
	proofArtifact *proof.Proof
	envelope      *signature.Envelope
	signer        keys.Signer
	attestations  []keys.Attestation
}

func New(opts Options) *Engine {
	if opts.Backend == "" {
		opts.Backend = proof.BackendMock
	}
	if opts.Backends == nil {
		opts.Backends = proof.DefaultBackends()
	}
	if opts.Policies == nil {
		opts.Policies = policy.NewMemStore()
	}
	if opts.Ring == nil {
		opts.Ring = keys.NewRing()
	}
	if opts.Registry == nil {
		opts.Registry = registry.NewMemStore()
	}
	if opts.Audit == nil {
		opts.Audit = NewMemSink(audit.NewLog())
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		backend:  opts.Backend,
		backends: opts.Backends,
		policies: opts.Policies,
		ring:     opts.Ring,
		registry: opts.Registry,
		audit:    opts.Audit,
		limits:   opts.Limits,
		now:      opts.Clock,
	}
}

// NewWithDatabase backs the registry and the audit chain with Postgres
// and runs their migrations. Close releases the pool.
func NewWithDatabase(ctx context.Context, dsn, chainName string, opts Options) (*Engine, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	reg := registry.NewPGStore(pool)
	if err := reg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	chain := audit.NewPGLog(pool, chainName)
	if err := chain.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	opts.Registry = reg
	opts.Audit = chain
	e := New(opts)
	e.pool = pool
	return e, nil
}

func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

// ImportRecords stages a record set and clears everything derived from a
// previous one. Loaded policies and keys survive reimports.
func (e *Engine) ImportRecords(ctx context.Context, partners []commitment.Partner, beneficiaries []commitment.Beneficiary) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.partners = append([]commitment.Partner(nil), partners...)
	e.beneficiaries = append([]commitment.Beneficiary(nil), beneficiaries...)
	e.imported = true
	e.set = nil
	e.resetArtifacts()

	_, err := e.audit.Append(ctx, audit.EventRecordImport, map[string]any{
		"supplier_count": len(e.partners),
		"ubo_count":      len(e.beneficiaries),
	})
	return err
}

// Commit validates the staged records and derives the commitment roots.
func (e *Engine) Commit(ctx context.Context) (commitment.Set, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.imported {
		return commitment.Set{}, errors.New("no records imported")
	}
	set, err := commitment.Commit(e.partners, e.beneficiaries)
	if err != nil {
		return commitment.Set{}, err
	}
	e.set = &set
	e.resetArtifacts()

	_, err = e.audit.Append(ctx, audit.EventCommitmentComputed, map[string]any{
		"supplier_root":    set.SupplierRoot,
		"beneficiary_root": set.BeneficiaryRoot,
		"combined_root":    set.CombinedRoot,
	})
	if err != nil {
		return commitment.Set{}, err
	}
	return set, nil
}

// LoadPolicy compiles a YAML source, saves it in the policy store and
// makes it the pipeline's active policy.
func (e *Engine) LoadPolicy(ctx context.Context, source []byte, mode policy.Mode) (*policy.Compiled, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := policy.CompileSource(source, mode)
	if err != nil {
		return nil, err
	}
	if _, err := e.policies.Save(compiled); err != nil {
		return nil, err
	}
	e.compiled = compiled
	e.resetArtifacts()

	_, err = e.audit.Append(ctx, audit.EventPolicyLoaded, map[string]any{
		"policy_id": compiled.ID,
		"version":   compiled.Version,
		"hash":      compiled.Hash,
	})
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

// GenerateKey creates a signing key, saves its record in the ring and
// makes it the active signer.
func (e *Engine) GenerateKey(ctx context.Context, owner string, window keys.ValidityWindow, algorithm string) (keys.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, signer, err := keys.Generate(owner, window, algorithm)
	if err != nil {
		return keys.Record{}, err
	}
	if err := e.ring.Save(rec); err != nil {
		return keys.Record{}, err
	}
	e.signer = signer

	_, err = e.audit.Append(ctx, audit.EventKeyGenerated, map[string]any{
		"kid":       rec.KID,
		"owner":     rec.Owner,
		"algorithm": rec.Algorithm,
	})
	if err != nil {
		return keys.Record{}, err
	}
	return rec, nil
}

// AdoptKey registers externally provisioned key material as the active
// signer. The record and the custody capability must agree on the kid.
func (e *Engine) AdoptKey(ctx context.Context, rec keys.Record, signer keys.Signer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if signer == nil {
		return errors.New("signer is required")
	}
	if rec.KID != signer.KID() {
		return errors.New("record and signer disagree on the kid")
	}
	if err := e.ring.Save(rec); err != nil {
		return err
	}
	e.signer = signer

	_, err := e.audit.Append(ctx, audit.EventKeyGenerated, map[string]any{
		"kid":       rec.KID,
		"owner":     rec.Owner,
		"algorithm": rec.Algorithm,
	})
	return err
}

// RotateKey generates a successor for the active key, has the outgoing
// key attest the new one, then retires the outgoing key. The attestation
// extends the engine's trust chain.
func (e *Engine) RotateKey(ctx context.Context) (keys.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.signer == nil {
		return keys.Record{}, errors.New("no active signing key")
	}
	old, err := e.ring.Get(e.signer.KID())
	if err != nil {
		return keys.Record{}, err
	}
	from := e.now().UTC()
	window := keys.ValidityWindow{From: from, To: from.Add(old.ValidTo.Sub(old.ValidFrom))}
	rec, signer, err := keys.Generate(old.Owner, window, old.Algorithm)
	if err != nil {
		return keys.Record{}, err
	}
	att, err := keys.Attest(e.signer, old, rec, e.now())
	if err != nil {
		return keys.Record{}, err
	}
	if err := e.ring.Save(rec); err != nil {
		return keys.Record{}, err
	}
	if err := e.ring.Rotate(old.KID, rec.KID); err != nil {
		return keys.Record{}, err
	}
	e.signer = signer
	e.attestations = append(e.attestations, att)

	_, err = e.audit.Append(ctx, audit.EventKeyRotated, map[string]any{
		"old_kid": old.KID,
		"new_kid": rec.KID,
		"owner":   old.Owner,
	})
	if err != nil {
		return keys.Record{}, err
	}
	return rec, nil
}

// BuildManifest binds the commitment roots, the active policy and the
// audit chain's current tail digest.
func (e *Engine) BuildManifest(ctx context.Context) (proof.Manifest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set == nil {
		return proof.Manifest{}, errors.New("no commitment computed")
	}
	if e.compiled == nil {
		return proof.Manifest{}, errors.New("no policy loaded")
	}
	tail, err := e.audit.TailDigest(ctx)
	if err != nil {
		return proof.Manifest{}, err
	}
	m, err := proof.BuildManifest(
		*e.set,
		proof.PolicyInfo{ID: e.compiled.ID, Version: e.compiled.Version, Hash: e.compiled.Hash},
		tail,
		e.now(),
	)
	if err != nil {
		return proof.Manifest{}, err
	}
	h, err := proof.ManifestHash(m)
	if err != nil {
		return proof.Manifest{}, err
	}
	e.manifest = &m
	e.manifestHash = h
	e.proofArtifact = nil
	e.envelope = nil

	_, err = e.audit.Append(ctx, audit.EventManifestBuilt, map[string]any{
		"manifest_hash": h,
		"audit_tail":    tail,
	})
	if err != nil {
		return proof.Manifest{}, err
	}
	return m, nil
}

// Sign has the active key sign the manifest hash and appends the
// envelope to the manifest.
func (e *Engine) Sign(ctx context.Context) (signature.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manifest == nil {
		return signature.Envelope{}, errors.New("no manifest built")
	}
	if e.signer == nil {
		return signature.Envelope{}, errors.New("no active signing key")
	}
	rec, err := e.ring.Get(e.signer.KID())
	if err != nil {
		return signature.Envelope{}, err
	}
	if !rec.UsableAt(e.now()) {
		return signature.Envelope{}, keys.ErrInactiveSigner
	}
	env, err := e.signer.SignDigest(e.manifestHash, e.now(), proof.SignContext)
	if err != nil {
		return signature.Envelope{}, err
	}
	if err := e.manifest.AppendSignature(env); err != nil {
		return signature.Envelope{}, err
	}
	e.envelope = &env

	_, err = e.audit.Append(ctx, audit.EventManifestSigned, map[string]any{
		"manifest_hash": e.manifestHash,
		"kid":           e.signer.KID(),
	})
	if err != nil {
		return signature.Envelope{}, err
	}
	return env, nil
}

// Prove evaluates the active policy over the committed facts in the
// sandbox and seals the outcome with the configured backend. The backend
// must pass its own consistency check before the proof is accepted.
func (e *Engine) Prove(ctx context.Context) (*proof.Proof, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set == nil {
		return nil, errors.New("no commitment computed")
	}
	if e.compiled == nil {
		return nil, errors.New("no policy loaded")
	}
	if e.manifest == nil {
		return nil, errors.New("no manifest built")
	}
	facts := map[string]any{}
	for k, v := range e.set.Facts() {
		facts[k] = v
	}
	result, err := sandbox.Evaluate(e.compiled.Bytecode, facts, e.limits)
	if err != nil {
		return nil, err
	}
	stmt := proof.Statement{
		Label:          proof.StatementLabel(e.compiled.ID),
		ManifestHash:   e.manifestHash,
		CommitmentRoot: e.set.CombinedRoot,
		PolicyHash:     e.compiled.Hash,
	}
	p, err := e.backends.Build(e.backend, stmt, proof.Witness{Rules: result.Rules, Warnings: e.compiled.Warnings})
	if err != nil {
		return nil, err
	}
	ok, err := e.backends.Check(p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("backend self-check failed")
	}
	e.proofArtifact = p

	pHash, err := proof.Hash(p)
	if err != nil {
		return nil, err
	}
	_, err = e.audit.Append(ctx, audit.EventProofBuilt, map[string]any{
		"proof_hash": pHash,
		"backend":    p.BackendID,
		"status":     p.Status,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Verify runs the pure verifier over the pipeline's current artifacts.
func (e *Engine) Verify(context.Context) (verifier.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manifest == nil || e.proofArtifact == nil {
		return verifier.Report{}, errors.New("no proof built")
	}
	return verifier.Verify(*e.manifest, e.proofArtifact, e.envelope), nil
}

// Export writes the manifest and proof files into dstDir and packages
// them as a bundle.
func (e *Engine) Export(ctx context.Context, dstDir string) (bundle.BundleMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manifest == nil {
		return bundle.BundleMeta{}, errors.New("no manifest built")
	}
	if e.proofArtifact == nil {
		return bundle.BundleMeta{}, errors.New("no proof built")
	}
	manifestRaw, err := canonjson.Canonicalize(e.manifest)
	if err != nil {
		return bundle.BundleMeta{}, err
	}
	proofRaw, err := canonjson.Canonicalize(e.proofArtifact)
	if err != nil {
		return bundle.BundleMeta{}, err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return bundle.BundleMeta{}, err
	}
	manifestPath := filepath.Join(dstDir, "manifest.json")
	proofPath := filepath.Join(dstDir, "proof.json")
	if err := os.WriteFile(manifestPath, manifestRaw, 0o644); err != nil {
		return bundle.BundleMeta{}, err
	}
	if err := os.WriteFile(proofPath, proofRaw, 0o644); err != nil {
		return bundle.BundleMeta{}, err
	}
	meta, err := bundle.Encode(dstDir, manifestPath, proofPath)
	if err != nil {
		return bundle.BundleMeta{}, err
	}

	_, err = e.audit.Append(ctx, audit.EventBundleExported, map[string]any{
		"bundle_id": meta.BundleID,
		"files":     len(meta.Files),
	})
	if err != nil {
		return bundle.BundleMeta{}, err
	}
	return meta, nil
}

// Register signs a registration over the manifest and proof hashes with
// the active key and adds it to the registry.
func (e *Engine) Register(ctx context.Context) (registry.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manifest == nil || e.proofArtifact == nil {
		return registry.Entry{}, errors.New("no proof built")
	}
	if e.signer == nil {
		return registry.Entry{}, errors.New("no active signing key")
	}
	pHash, err := proof.Hash(e.proofArtifact)
	if err != nil {
		return registry.Entry{}, err
	}
	entry, err := registry.NewEntry(e.manifestHash, pHash, e.signer, e.now())
	if err != nil {
		return registry.Entry{}, err
	}
	if err := e.registry.Add(ctx, entry); err != nil {
		return registry.Entry{}, err
	}

	_, err = e.audit.Append(ctx, audit.EventRegistryAdded, map[string]any{
		"entry_id":      entry.ID,
		"manifest_hash": entry.ManifestHash,
		"proof_hash":    entry.ProofHash,
	})
	if err != nil {
		return registry.Entry{}, err
	}
	return entry, nil
}

// AuditEntries snapshots the audit chain.
func (e *Engine) AuditEntries(ctx context.Context) ([]audit.Entry, error) {
	return e.audit.Entries(ctx)
}

// CheckAuditChain re-verifies the chain's linkage.
func (e *Engine) CheckAuditChain(ctx context.Context) error {
	return e.audit.VerifySelf(ctx)
}

// Attestations returns the trust chain built up by rotations, oldest
// first.
func (e *Engine) Attestations() []keys.Attestation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]keys.Attestation(nil), e.attestations...)
}

func (e *Engine) Ring() *keys.Ring {
	return e.ring
}

func (e *Engine) Registry() registry.Store {
	return e.registry
}

func (e *Engine) Policies() policy.Store {
	return e.policies
}

func (e *Engine) resetArtifacts() {
	e.manifest = nil
	e.manifestHash = ""
	e.proofArtifact = nil
	e.envelope = nil
}
