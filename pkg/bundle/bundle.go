// Package bundle packages manifest and proof artifacts into a portable
// directory with content-addressed metadata. Every referenced file is
// read exactly once on decode; the hashed buffer is the parsed buffer.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/anchor/rfc3161"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/proof"
)

const (
	SchemaV1     = "cap-bundle.v1"
	SchemaLegacy = "cap-bundle.legacy"

	// MetaFileName is the structured metadata file; LegacyFileName is the
	// older single-string role mapping decode falls back to.
	MetaFileName   = "cap-bundle.json"
	LegacyFileName = "bundle.files"
)

const (
	RoleManifest   = "manifest"
	RoleProof      = "proof"
	RoleTimestamp  = "timestamp"
	RoleRegistry   = "registry"
	RoleReport     = "report"
	RoleAttachment = "attachment"
)

const idPrefix = "bdl_"

var (
	ErrCyclicReference = errors.New("cyclic bundle reference")
	ErrHashMismatch    = errors.New("bundle file hash mismatch")
)

// FileEntry describes one packaged file.
type FileEntry struct {
	Role        string `json:"role"`
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Optional    bool   `json:"optional,omitempty"`
}

// ProofUnit binds a manifest file to its proof file together with the
// policy identity extracted from the manifest.
type ProofUnit struct {
	ManifestFile string `json:"manifest_file"`
	ProofFile    string `json:"proof_file"`
	PolicyID     string `json:"policy_id"`
	PolicyHash   string `json:"policy_hash"`
	Backend      string `json:"backend"`
}

// BundleMeta is the bundle metadata. LegacyFormat reports that decode
// synthesized it from the legacy mapping; it is never serialized.
type BundleMeta struct {
	Schema       string               `json:"schema"`
	BundleID     string               `json:"bundle_id"`
	CreatedAt    string               `json:"created_at,omitempty"`
	Files        map[string]FileEntry `json:"files"`
	ProofUnits   []ProofUnit          `json:"proof_units"`
	LegacyFormat bool                 `json:"-"`
}

type stagedFile struct {
	name string
	role string
	data []byte
}

// Encode packages a manifest/proof pair plus optional extra files into
// dstDir and writes cap-bundle.json. The pair must cohere: the proof has
// to bind the manifest's hash and policy. Timestamp extras must bind the
// manifest file's content hash.
func Encode(dstDir, manifestPath, proofPath string, extraPaths ...string) (BundleMeta, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return BundleMeta{}, err
	}

	var files []stagedFile
	seen := map[string]bool{}
	stage := func(path, role string) (stagedFile, error) {
		name, err := sanitizeName(filepath.Base(path))
		if err != nil {
			return stagedFile{}, err
		}
		if seen[name] {
			return stagedFile{}, fmt.Errorf("duplicate file name %q", name)
		}
		seen[name] = true
		data, err := os.ReadFile(path)
		if err != nil {
			return stagedFile{}, err
		}
		s := stagedFile{name: name, role: role, data: data}
		files = append(files, s)
		return s, nil
	}

	mf, err := stage(manifestPath, RoleManifest)
	if err != nil {
		return BundleMeta{}, err
	}
	pf, err := stage(proofPath, RoleProof)
	if err != nil {
		return BundleMeta{}, err
	}
	for _, path := range extraPaths {
		if _, err := stage(path, classifyRole(filepath.Base(path))); err != nil {
			return BundleMeta{}, err
		}
	}

	m, err := proof.ParseManifest(mf.data)
	if err != nil {
		return BundleMeta{}, fmt.Errorf("%s: %w", mf.name, err)
	}
	p, err := proof.Parse(pf.data)
	if err != nil {
		return BundleMeta{}, fmt.Errorf("%s: %w", pf.name, err)
	}
	manifestHash, err := proof.ManifestHash(m)
	if err != nil {
		return BundleMeta{}, err
	}
	if p.ManifestHash != manifestHash {
		return BundleMeta{}, errors.New("proof does not bind the packaged manifest")
	}
	if p.PolicyHash != m.Policy.Hash {
		return BundleMeta{}, errors.New("proof does not bind the manifest's policy")
	}

	manifestFileHash := canonjson.HashBytes0x(mf.data)
	entries := map[string]FileEntry{}
	for _, f := range files {
		if f.role == RoleTimestamp {
			if err := rfc3161.BindsDigest(f.data, manifestFileHash); err != nil {
				return BundleMeta{}, fmt.Errorf("%s: %w", f.name, err)
			}
		}
		entries[f.name] = FileEntry{
			Role:        f.role,
			Hash:        canonjson.HashBytes0x(f.data),
			Size:        int64(len(f.data)),
			ContentType: contentTypeFor(f.role),
			Optional:    f.role != RoleManifest && f.role != RoleProof,
		}
	}

	meta := BundleMeta{
		Schema:    SchemaV1,
		BundleID:  idPrefix + uuid.NewString(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Files:     entries,
		ProofUnits: []ProofUnit{{
			ManifestFile: mf.name,
			ProofFile:    pf.name,
			PolicyID:     m.Policy.ID,
			PolicyHash:   m.Policy.Hash,
			Backend:      p.BackendID,
		}},
	}
	if err := validateMeta(meta); err != nil {
		return BundleMeta{}, err
	}

	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dstDir, f.name), f.data, 0o644); err != nil {
			return BundleMeta{}, err
		}
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return BundleMeta{}, err
	}
	if err := os.WriteFile(filepath.Join(dstDir, MetaFileName), append(raw, '\n'), 0o644); err != nil {
		return BundleMeta{}, err
	}
	return meta, nil
}

// Decode loads a bundle directory. Hash and size of every referenced
// file are verified against the metadata, proof units are resolved and
// cross-checked, and reference cycles are rejected. When cap-bundle.json
// is absent, decode falls back to the legacy bundle.files mapping.
func Decode(bundleDir string) (BundleMeta, error) {
	raw, err := os.ReadFile(filepath.Join(bundleDir, MetaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return decodeLegacy(bundleDir)
	}
	if err != nil {
		return BundleMeta{}, err
	}

	var meta BundleMeta
	if err := canonjson.DecodeStrict(raw, &meta); err != nil {
		return BundleMeta{}, err
	}
	if meta.Schema != SchemaV1 {
		return BundleMeta{}, errors.New("schema must be cap-bundle.v1")
	}
	if err := validateMeta(meta); err != nil {
		return BundleMeta{}, err
	}
	if err := detectCycles(meta.ProofUnits); err != nil {
		return BundleMeta{}, err
	}

	arena, err := loadArena(bundleDir, fileNames(meta.Files))
	if err != nil {
		return BundleMeta{}, err
	}
	for name, entry := range meta.Files {
		data := arena[name]
		if int64(len(data)) != entry.Size {
			return BundleMeta{}, fmt.Errorf("%s: size mismatch", name)
		}
		if canonjson.HashBytes0x(data) != entry.Hash {
			return BundleMeta{}, fmt.Errorf("%s: %w", name, ErrHashMismatch)
		}
	}
	if err := resolveUnits(meta, arena); err != nil {
		return BundleMeta{}, err
	}
	if err := checkTimestamps(meta, arena); err != nil {
		return BundleMeta{}, err
	}
	return meta, nil
}

// decodeLegacy synthesizes BundleMeta from the role=filename mapping.
// Hashes are computed at decode time; the bundle id is derived from the
// mapping bytes so repeated decodes agree.
func decodeLegacy(bundleDir string) (BundleMeta, error) {
	raw, err := os.ReadFile(filepath.Join(bundleDir, LegacyFileName))
	if errors.Is(err, os.ErrNotExist) {
		return BundleMeta{}, errors.New("no bundle metadata found")
	}
	if err != nil {
		return BundleMeta{}, err
	}

	legacy, err := parseLegacyMapping(raw)
	if err != nil {
		return BundleMeta{}, err
	}
	names := make([]string, 0, len(legacy))
	for _, f := range legacy {
		names = append(names, f.name)
	}
	arena, err := loadArena(bundleDir, names)
	if err != nil {
		return BundleMeta{}, err
	}

	entries := map[string]FileEntry{}
	var manifestName, proofName string
	for _, f := range legacy {
		data := arena[f.name]
		entries[f.name] = FileEntry{
			Role:        f.role,
			Hash:        canonjson.HashBytes0x(data),
			Size:        int64(len(data)),
			ContentType: contentTypeFor(f.role),
			Optional:    f.role != RoleManifest && f.role != RoleProof,
		}
		switch f.role {
		case RoleManifest:
			manifestName = f.name
		case RoleProof:
			proofName = f.name
		}
	}

	m, err := proof.ParseManifest(arena[manifestName])
	if err != nil {
		return BundleMeta{}, fmt.Errorf("%s: %w", manifestName, err)
	}
	p, err := proof.Parse(arena[proofName])
	if err != nil {
		return BundleMeta{}, fmt.Errorf("%s: %w", proofName, err)
	}

	meta := BundleMeta{
		Schema:   SchemaLegacy,
		BundleID: idPrefix + canonjson.HashBytes0x(raw)[2:34],
		Files:    entries,
		ProofUnits: []ProofUnit{{
			ManifestFile: manifestName,
			ProofFile:    proofName,
			PolicyID:     m.Policy.ID,
			PolicyHash:   m.Policy.Hash,
			Backend:      p.BackendID,
		}},
		LegacyFormat: true,
	}
	if err := validateMeta(meta); err != nil {
		return BundleMeta{}, err
	}
	if err := checkTimestamps(meta, arena); err != nil {
		return BundleMeta{}, err
	}
	return meta, nil
}

type legacyFile struct {
	role string
	name string
}

// parseLegacyMapping reads role=filename lines. Blank lines and # comments
// are skipped; exactly one manifest and one proof line are required.
func parseLegacyMapping(data []byte) ([]legacyFile, error) {
	var out []legacyFile
	seen := map[string]bool{}
	manifests, proofs := 0, 0
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		role, name, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected role=filename", i+1)
		}
		role = strings.TrimSpace(role)
		if !knownRole(role) {
			return nil, fmt.Errorf("line %d: unknown role %q", i+1, role)
		}
		clean, err := sanitizeName(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if seen[clean] {
			return nil, fmt.Errorf("line %d: duplicate file %q", i+1, clean)
		}
		seen[clean] = true
		switch role {
		case RoleManifest:
			manifests++
		case RoleProof:
			proofs++
		}
		out = append(out, legacyFile{role: role, name: clean})
	}
	if manifests != 1 || proofs != 1 {
		return nil, errors.New("legacy mapping must name exactly one manifest and one proof")
	}
	return out, nil
}

// loadArena reads every named file exactly once. All later hashing and
// parsing works on these buffers.
func loadArena(dir string, names []string) (map[string][]byte, error) {
	arena := make(map[string][]byte, len(names))
	for _, name := range names {
		clean, err := sanitizeName(name)
		if err != nil {
			return nil, err
		}
		if _, ok := arena[clean]; ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, clean))
		if err != nil {
			return nil, err
		}
		arena[clean] = data
	}
	return arena, nil
}

// detectCycles treats proof units as manifest→proof edges and walks the
// graph depth first with an explicit stack. Seeing a file twice within
// one walk is a cycle.
func detectCycles(units []ProofUnit) error {
	edges := map[string][]string{}
	for _, u := range units {
		edges[u.ManifestFile] = append(edges[u.ManifestFile], u.ProofFile)
	}
	for _, u := range units {
		visited := map[string]bool{}
		stack := []string{u.ManifestFile}
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[node] {
				return fmt.Errorf("%s: %w", node, ErrCyclicReference)
			}
			visited[node] = true
			stack = append(stack, edges[node]...)
		}
	}
	return nil
}

// resolveUnits parses each unit's files from the arena and checks the
// recorded policy identity and backend against the parsed content.
func resolveUnits(meta BundleMeta, arena map[string][]byte) error {
	for _, u := range meta.ProofUnits {
		if meta.Files[u.ManifestFile].Role != RoleManifest {
			return fmt.Errorf("proof unit references %q as manifest", u.ManifestFile)
		}
		if meta.Files[u.ProofFile].Role != RoleProof {
			return fmt.Errorf("proof unit references %q as proof", u.ProofFile)
		}
		m, err := proof.ParseManifest(arena[u.ManifestFile])
		if err != nil {
			return fmt.Errorf("%s: %w", u.ManifestFile, err)
		}
		p, err := proof.Parse(arena[u.ProofFile])
		if err != nil {
			return fmt.Errorf("%s: %w", u.ProofFile, err)
		}
		if m.Policy.ID != u.PolicyID || m.Policy.Hash != u.PolicyHash {
			return fmt.Errorf("proof unit policy does not match %s", u.ManifestFile)
		}
		if p.BackendID != u.Backend {
			return fmt.Errorf("proof unit backend does not match %s", u.ProofFile)
		}
		if p.PolicyHash != u.PolicyHash {
			return fmt.Errorf("proof unit policy does not match %s", u.ProofFile)
		}
	}
	return nil
}

// checkTimestamps verifies every timestamp file binds the content hash
// of a manifest-role file.
func checkTimestamps(meta BundleMeta, arena map[string][]byte) error {
	var manifestHashes []string
	for name, entry := range meta.Files {
		if entry.Role == RoleManifest {
			manifestHashes = append(manifestHashes, canonjson.HashBytes0x(arena[name]))
		}
	}
	for name, entry := range meta.Files {
		if entry.Role != RoleTimestamp {
			continue
		}
		bound := false
		for _, h := range manifestHashes {
			if rfc3161.BindsDigest(arena[name], h) == nil {
				bound = true
				break
			}
		}
		if !bound {
			return fmt.Errorf("%s: timestamp does not bind any manifest file", name)
		}
	}
	return nil
}

func validateMeta(meta BundleMeta) error {
	switch meta.Schema {
	case SchemaV1:
		if !isRFC3339UTC(meta.CreatedAt) {
			return errors.New("created_at must be RFC3339 UTC")
		}
	case SchemaLegacy:
	default:
		return errors.New("schema must be cap-bundle.v1")
	}
	if !strings.HasPrefix(meta.BundleID, idPrefix) || len(meta.BundleID) == len(idPrefix) {
		return errors.New("bundle_id must carry the bdl_ prefix")
	}
	if len(meta.Files) == 0 {
		return errors.New("files must not be empty")
	}
	for name, entry := range meta.Files {
		if _, err := sanitizeName(name); err != nil {
			return err
		}
		if !knownRole(entry.Role) {
			return fmt.Errorf("%s: unknown role %q", name, entry.Role)
		}
		if !canonjson.IsValid0x(entry.Hash) {
			return fmt.Errorf("%s: hash must be a 0x sha-256 digest", name)
		}
		if entry.Size < 0 {
			return fmt.Errorf("%s: negative size", name)
		}
		if strings.TrimSpace(entry.ContentType) == "" {
			return fmt.Errorf("%s: content_type is required", name)
		}
	}
	if len(meta.ProofUnits) == 0 {
		return errors.New("at least one proof unit is required")
	}
	for _, u := range meta.ProofUnits {
		if _, ok := meta.Files[u.ManifestFile]; !ok {
			return fmt.Errorf("proof unit references unknown file %q", u.ManifestFile)
		}
		if _, ok := meta.Files[u.ProofFile]; !ok {
			return fmt.Errorf("proof unit references unknown file %q", u.ProofFile)
		}
		if strings.TrimSpace(u.PolicyID) == "" {
			return errors.New("proof unit policy_id is required")
		}
		if !canonjson.IsValid0x(u.PolicyHash) {
			return errors.New("proof unit policy_hash must be a 0x sha-256 digest")
		}
		if strings.TrimSpace(u.Backend) == "" {
			return errors.New("proof unit backend is required")
		}
	}
	return nil
}

// sanitizeName accepts bare file names only: no separators, no traversal,
// no control bytes, and not one of the metadata file names.
func sanitizeName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("file name is required")
	}
	if name == "." || name == ".." || filepath.IsAbs(name) || name != filepath.Base(name) {
		return "", fmt.Errorf("file name %q must be a bare name", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("file name %q must be a bare name", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("file name %q contains control bytes", name)
		}
	}
	if name == MetaFileName || name == LegacyFileName {
		return "", fmt.Errorf("file name %q is reserved", name)
	}
	return name, nil
}

func classifyRole(name string) string {
	switch {
	case strings.HasSuffix(name, ".tsq") || strings.HasSuffix(name, ".tsr"):
		return RoleTimestamp
	case strings.HasPrefix(name, "registry"):
		return RoleRegistry
	case strings.HasPrefix(name, "report"):
		return RoleReport
	default:
		return RoleAttachment
	}
}

func contentTypeFor(role string) string {
	switch role {
	case RoleTimestamp:
		return "application/timestamp-query"
	case RoleAttachment:
		return "application/octet-stream"
	default:
		return "application/json"
	}
}

func knownRole(role string) bool {
	switch role {
	case RoleManifest, RoleProof, RoleTimestamp, RoleRegistry, RoleReport, RoleAttachment:
		return true
	}
	return false
}

func fileNames(files map[string]FileEntry) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	return names
}

func isRFC3339UTC(v string) bool {
	if !strings.HasSuffix(v, "Z") {
		return false
	}
	_, err := time.Parse(time.RFC3339Nano, v)
	return err == nil
}
