package signature

const (
	VersionV1 = "sig-v1"
	VersionV2 = "sig-v2"

	AlgorithmEd25519 = "ed25519"
	AlgorithmES256   = "es256"
)

// Envelope carries one detached signature over a 32-byte content digest.
// Version sig-v1 is ed25519 with std-base64 key and signature fields;
// sig-v2 is es256 with base64url-no-padding fields. PayloadHash is the
// signed digest in 0x wire form.
type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	KeyID       string `json:"key_id,omitempty"`
	Context     string `json:"context,omitempty"`
}
