package identity

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var _ Provider = (*Memory)(nil)

type memoryUser struct {
	user         User
	passwordHash []byte
}

// Memory is an in-process provider for development and tests. Users live only
// as long as the process.
type Memory struct {
	mu      sync.RWMutex
	byEmail map[string]*memoryUser
	byID    map[string]*memoryUser
	cost    int
}

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{
		byEmail: make(map[string]*memoryUser),
		byID:    make(map[string]*memoryUser),
		cost:    bcrypt.DefaultCost,
	}
}

func (m *Memory) Register(ctx context.Context, email, password, name string) (*User, error) {
	key := normalizeEmail(email)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return nil, &ProviderError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[key]; ok {
		return nil, &ProviderError{Status: http.StatusBadRequest, Message: "User already registered"}
	}

	rec := &memoryUser{
		user:         User{ID: id.String(), Email: strings.TrimSpace(email), Name: name},
		passwordHash: hash,
	}
	m.byEmail[key] = rec
	m.byID[rec.user.ID] = rec

	u := rec.user
	return &u, nil
}

func (m *Memory) Login(ctx context.Context, email, password string) (*User, error) {
	m.mu.RLock()
	rec, ok := m.byEmail[normalizeEmail(email)]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(rec.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	u := rec.user
	return &u, nil
}

func (m *Memory) Logout(ctx context.Context, userID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.byID[userID]; !ok {
		return ErrUserNotFound
	}
	return nil
}

func (m *Memory) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[userID]
	if !ok {
		return nil, ErrUserNotFound
	}

	u := rec.user
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
