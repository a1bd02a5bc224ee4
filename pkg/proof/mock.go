package proof

// BackendMock identifies the structural echo backend. It seals statement
// and evaluation as-is and carries no binding material.
const BackendMock = "mock.v1"

type mockBackend struct{}

// NewMockBackend returns the mock.v1 backend.
func NewMockBackend() Backend { return mockBackend{} }

func (mockBackend) ID() string { return BackendMock }

func (mockBackend) Build(stmt Statement, w Witness) (*Proof, error) {
	return buildShell(BackendMock, stmt, w)
}

func (mockBackend) Check(p *Proof) (bool, error) {
	ok, err := checkShell(BackendMock, p)
	if err != nil || !ok {
		return false, err
	}
	if p.Binding != nil {
		return false, nil
	}
	return true, nil
}
