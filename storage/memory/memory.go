package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chordia-dev/chordia/security"
	"github.com/chordia-dev/chordia/storage"
)

// DefaultCleanupInterval is how often the background reclamation pass
// runs. The pass only bounds memory; correctness relies on lazy expiry at
// lookup time.
const DefaultCleanupInterval = time.Minute

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients      map[string]*storage.Client
	authRequests map[string]*storage.AuthRequest
	tokenRecords map[string]*storage.TokenRecord

	// Upstream credentials are encrypted at rest when an encryptor is set
	encryptor *security.Encryptor

	// Atomic counters for metric gauges (lock-free reads)
	clientsCount      atomic.Int64
	authRequestsCount atomic.Int64
	tokenRecordsCount atomic.Int64

	// Token records older than recordTTL are reclaimed by the cleanup
	// pass; zero keeps them until popped. Normally the refresh token
	// lifetime, after which no signed token can reference them anyway.
	recordTTL time.Duration

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	now             func() time.Time
}

// Compile-time interface checks
var (
	_ storage.ClientStore      = (*Store)(nil)
	_ storage.AuthRequestStore = (*Store)(nil)
	_ storage.TokenRecordStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. A non-positive interval disables the background pass.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		authRequests:    make(map[string]*storage.AuthRequest),
		tokenRecords:    make(map[string]*storage.TokenRecord),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		now:             time.Now,
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// SetLogger sets the logger used by the cleanup pass.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables at-rest encryption of stored upstream credentials.
// Must be called before any token records are saved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
}

// SetTokenRecordTTL bounds how long an unpopped token record is kept.
func (s *Store) SetTokenRecordTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordTTL = ttl
}

// SetTimeSource overrides the time source (for testing).
func (s *Store) SetTimeSource(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Counts returns the current number of clients, authorization requests,
// and token records. Used by instrumentation gauges.
func (s *Store) Counts() (clients, authRequests, tokenRecords int64) {
	return s.clientsCount.Load(), s.authRequestsCount.Load(), s.tokenRecordsCount.Load()
}

// ==================== ClientStore ====================

// SaveClient persists a newly registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *client
	s.clients[client.ClientID] = &copied
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a registered client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	copied := *client
	return &copied, nil
}

// ==================== AuthRequestStore ====================

// SaveAuthRequest stores a pending authorization request keyed by its ID.
func (s *Store) SaveAuthRequest(_ context.Context, req *storage.AuthRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("authorization request must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *req
	s.authRequests[req.ID] = &copied
	s.authRequestsCount.Store(int64(len(s.authRequests)))
	return nil
}

// GetAuthRequest retrieves a pending authorization request. Expired
// requests are purged on access and reported as not found.
func (s *Store) GetAuthRequest(_ context.Context, id string) (*storage.AuthRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[id]
	if !ok {
		return nil, storage.ErrAuthRequestNotFound
	}
	if req.Expired(s.now()) {
		delete(s.authRequests, id)
		s.authRequestsCount.Store(int64(len(s.authRequests)))
		return nil, storage.ErrAuthRequestNotFound
	}
	copied := *req
	return &copied, nil
}

// AttachUpstreamCode records the upstream authorization code on a pending
// request after the provider callback.
func (s *Store) AttachUpstreamCode(_ context.Context, id, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[id]
	if !ok {
		return storage.ErrAuthRequestNotFound
	}
	if req.Expired(s.now()) {
		delete(s.authRequests, id)
		s.authRequestsCount.Store(int64(len(s.authRequests)))
		return storage.ErrAuthRequestNotFound
	}
	req.UpstreamCode = code
	return nil
}

// ConsumeAuthRequest atomically retrieves and deletes an authorization
// request. The get-and-delete is the single-use guarantee for the broker
// authorization code: a second consume of the same ID fails.
func (s *Store) ConsumeAuthRequest(_ context.Context, id string) (*storage.AuthRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[id]
	if !ok {
		return nil, storage.ErrAuthRequestNotFound
	}
	delete(s.authRequests, id)
	s.authRequestsCount.Store(int64(len(s.authRequests)))

	if req.Expired(s.now()) {
		return nil, storage.ErrAuthRequestNotFound
	}
	return req, nil
}

// ==================== TokenRecordStore ====================

// SaveTokenRecord stores upstream credentials under an opaque token ID.
func (s *Store) SaveTokenRecord(_ context.Context, record *storage.TokenRecord) error {
	if record == nil || record.TokenID == "" {
		return fmt.Errorf("token record must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.encryptRecord(record)
	if err != nil {
		return err
	}
	s.tokenRecords[record.TokenID] = stored
	s.tokenRecordsCount.Store(int64(len(s.tokenRecords)))
	return nil
}

// GetTokenRecord retrieves the upstream credentials for a token ID.
func (s *Store) GetTokenRecord(_ context.Context, tokenID string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokenRecords[tokenID]
	if !ok {
		return nil, storage.ErrTokenRecordNotFound
	}
	return s.decryptRecord(record)
}

// PopTokenRecord atomically retrieves and deletes a token record. Used
// for refresh-token rotation: the losing side of a concurrent refresh
// observes a missing record.
func (s *Store) PopTokenRecord(_ context.Context, tokenID string) (*storage.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokenRecords[tokenID]
	if !ok {
		return nil, storage.ErrTokenRecordNotFound
	}
	delete(s.tokenRecords, tokenID)
	s.tokenRecordsCount.Store(int64(len(s.tokenRecords)))
	return s.decryptRecord(record)
}

// ==================== cleanup ====================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := 0
	for id, req := range s.authRequests {
		if req.Expired(now) {
			delete(s.authRequests, id)
			expired++
		}
	}
	if expired > 0 {
		s.authRequestsCount.Store(int64(len(s.authRequests)))
		s.logger.Debug("Reclaimed expired authorization requests", "count", expired)
	}

	if s.recordTTL <= 0 {
		return
	}
	stale := 0
	for id, record := range s.tokenRecords {
		if now.Sub(record.CreatedAt) > s.recordTTL {
			delete(s.tokenRecords, id)
			stale++
		}
	}
	if stale > 0 {
		s.tokenRecordsCount.Store(int64(len(s.tokenRecords)))
		s.logger.Debug("Reclaimed stale token records", "count", stale)
	}
}

// ==================== encryption ====================

func (s *Store) encryptRecord(record *storage.TokenRecord) (*storage.TokenRecord, error) {
	copied := *record
	if s.encryptor == nil {
		return &copied, nil
	}
	access, err := s.encryptor.Encrypt(record.UpstreamAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt upstream access token: %w", err)
	}
	refresh, err := s.encryptor.Encrypt(record.UpstreamRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt upstream refresh token: %w", err)
	}
	copied.UpstreamAccessToken = access
	copied.UpstreamRefreshToken = refresh
	return &copied, nil
}

func (s *Store) decryptRecord(record *storage.TokenRecord) (*storage.TokenRecord, error) {
	copied := *record
	if s.encryptor == nil {
		return &copied, nil
	}
	access, err := s.encryptor.Decrypt(record.UpstreamAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream access token: %w", err)
	}
	refresh, err := s.encryptor.Decrypt(record.UpstreamRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream refresh token: %w", err)
	}
	copied.UpstreamAccessToken = access
	copied.UpstreamRefreshToken = refresh
	return &copied, nil
}
