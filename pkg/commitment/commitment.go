package commitment

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
)

// Partner is one supply-chain partner row after ingestion. CSV or ERP
// extraction happens upstream; this package consumes parsed records only.
type Partner struct {
	Name           string `json:"name"`
	Country        string `json:"country"`
	RegistrationID string `json:"registration_id"`
}

// Beneficiary is one ultimate-beneficial-owner row.
type Beneficiary struct {
	Name             string  `json:"name"`
	Country          string  `json:"country"`
	OwnershipPercent float64 `json:"ownership_percent"`
}

type Counts struct {
	Suppliers     int `json:"suppliers"`
	Beneficiaries int `json:"beneficiaries"`
}

// Set binds both category roots, their combination and the record counts.
// Roots are 0x-prefixed lowercase hex SHA-256 digests.
type Set struct {
	SupplierRoot    string `json:"supplier_root"`
	BeneficiaryRoot string `json:"beneficiary_root"`
	CombinedRoot    string `json:"combined_root"`
	Counts          Counts `json:"counts"`
}

type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("record %d: %s %s", e.Index, e.Field, e.Reason)
}

// Commit validates every record, canonicalizes each one and folds the
// per-record hashes into category roots. Validation of the full input runs
// before any hashing, so a failed call commits nothing.
func Commit(partners []Partner, beneficiaries []Beneficiary) (Set, error) {
	for i, p := range partners {
		if err := validatePartner(i, p); err != nil {
			return Set{}, err
		}
	}
	for i, b := range beneficiaries {
		if err := validateBeneficiary(i, b); err != nil {
			return Set{}, err
		}
	}

	supplierHashes := make([][]byte, 0, len(partners))
	for _, p := range partners {
		h, err := recordDigest(partnerPayload(p))
		if err != nil {
			return Set{}, err
		}
		supplierHashes = append(supplierHashes, h)
	}
	beneficiaryHashes := make([][]byte, 0, len(beneficiaries))
	for _, b := range beneficiaries {
		h, err := recordDigest(beneficiaryPayload(b))
		if err != nil {
			return Set{}, err
		}
		beneficiaryHashes = append(beneficiaryHashes, h)
	}

	supplierRoot := foldRoot(supplierHashes)
	beneficiaryRoot := foldRoot(beneficiaryHashes)

	combined := sha256.New()
	combined.Write(supplierRoot)
	combined.Write(beneficiaryRoot)

	supplier0x, err := canonjson.Format0x(supplierRoot)
	if err != nil {
		return Set{}, err
	}
	beneficiary0x, err := canonjson.Format0x(beneficiaryRoot)
	if err != nil {
		return Set{}, err
	}
	combined0x, err := canonjson.Format0x(combined.Sum(nil))
	if err != nil {
		return Set{}, err
	}

	return Set{
		SupplierRoot:    supplier0x,
		BeneficiaryRoot: beneficiary0x,
		CombinedRoot:    combined0x,
		Counts:          Counts{Suppliers: len(partners), Beneficiaries: len(beneficiaries)},
	}, nil
}

// Facts derives the evaluator fact map from the committed counts.
func (s Set) Facts() map[string]int64 {
	return map[string]int64{
		"supplier_count": int64(s.Counts.Suppliers),
		"ubo_count":      int64(s.Counts.Beneficiaries),
	}
}

func validatePartner(i int, p Partner) error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Index: i, Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(p.Country) == "" {
		return &ValidationError{Index: i, Field: "country", Reason: "is required"}
	}
	if strings.TrimSpace(p.RegistrationID) == "" {
		return &ValidationError{Index: i, Field: "registration_id", Reason: "is required"}
	}
	return nil
}

func validateBeneficiary(i int, b Beneficiary) error {
	if strings.TrimSpace(b.Name) == "" {
		return &ValidationError{Index: i, Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(b.Country) == "" {
		return &ValidationError{Index: i, Field: "country", Reason: "is required"}
	}
	if b.OwnershipPercent < 0 || b.OwnershipPercent > 100 {
		return &ValidationError{Index: i, Field: "ownership_percent", Reason: "must be within 0..100"}
	}
	return nil
}

// canonField trims surrounding whitespace and applies Unicode NFC so that
// visually identical inputs from different sources hash identically.
func canonField(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func partnerPayload(p Partner) map[string]any {
	return map[string]any{
		"name":            canonField(p.Name),
		"country":         canonField(p.Country),
		"registration_id": canonField(p.RegistrationID),
	}
}

func beneficiaryPayload(b Beneficiary) map[string]any {
	return map[string]any{
		"name":              canonField(b.Name),
		"country":           canonField(b.Country),
		"ownership_percent": b.OwnershipPercent,
	}
}

func recordDigest(payload map[string]any) ([]byte, error) {
	b, err := canonjson.Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// foldRoot is the order-sensitive accumulator root = H(h1 || h2 || ... || hn).
// An empty category folds to H of the empty string.
func foldRoot(hashes [][]byte) []byte {
	h := sha256.New()
	for _, rh := range hashes {
		h.Write(rh)
	}
	return h.Sum(nil)
}
