package request

import (
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/keyward/internal/util"
)

// Volatile parameter names used during the recovery handshake.
const (
	VolTransSessionKey   = "transWrappedSessionKey"
	VolSessionPassphrase = "sessionWrappedPassphrase"
	VolPrivateData       = "wrappedPrivateData"
	VolPassphraseData    = "passphraseWrappedData"
	VolNonceData         = "nonceData"
	VolAlgorithmOID      = "algorithmOID"
	VolSymmetricParams   = "symmetricAlgorithmParams"
)

// VolatileStore holds sensitive wrapped-key material keyed by request id.
// Values live in memguard enclaves and are never written to persistent
// storage; Destroy must be called after the recovery response is produced,
// on every exit path.
type VolatileStore struct {
	mu     sync.Mutex
	params map[string]map[string]*memguard.Enclave
	locks  map[string]*sync.Mutex
}

// NewVolatileStore creates an empty volatile parameter store.
func NewVolatileStore() *VolatileStore {
	return &VolatileStore{
		params: make(map[string]map[string]*memguard.Enclave),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Set stores a value for the request. The value is copied into a sealed
// enclave; the caller keeps ownership of its own copy.
func (s *VolatileStore) Set(requestID, name string, value []byte) {
	enclave := memguard.NewEnclave(util.CopyBytes(value))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.params[requestID]; !ok {
		s.params[requestID] = make(map[string]*memguard.Enclave)
	}
	s.params[requestID][name] = enclave
}

// Get returns a copy of the named value for the request.
func (s *VolatileStore) Get(requestID, name string) ([]byte, bool) {
	s.mu.Lock()
	enclave, ok := s.params[requestID][name]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, false
	}
	defer buf.Destroy()
	return util.CopyBytes(buf.Bytes()), true
}

// Exists reports whether any volatile parameters are held for the request.
func (s *VolatileStore) Exists(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params[requestID]) > 0
}

// Destroy removes all volatile parameters for the request and releases
// their enclaves. Safe to call when none exist.
func (s *VolatileStore) Destroy(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.params, requestID)
}

// Lock acquires the per-request processing lock and returns its release
// function. Concurrent retrieval calls for the same request id serialize
// here so the idempotency guard cannot race with processing.
func (s *VolatileStore) Lock(requestID string) func() {
	s.mu.Lock()
	m, ok := s.locks[requestID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[requestID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}
