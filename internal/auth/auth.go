// Package auth implements cookie-backed session management: participants
// claim a pre-registered display name to play, admins log in with
// configured credentials. Sessions live in memory; a restart logs
// everyone out.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morning-markets/exchange/internal/model"
	"github.com/morning-markets/exchange/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrParticipantInUse   = errors.New("auth: participant already in use")
	ErrNoSession          = errors.New("auth: no session")
)

// Manager issues and resolves session tokens.
type Manager struct {
	store         store.Store
	adminUsername string
	adminPassword string

	// A claimed participant whose user has been idle longer than staleAge
	// can be taken over by a new login.
	staleAge time.Duration

	mu       sync.RWMutex
	sessions map[string]string // token -> user ID
}

// NewManager creates a session manager.
func NewManager(st store.Store, adminUsername, adminPassword string, staleAge time.Duration) *Manager {
	return &Manager{
		store:         st,
		adminUsername: adminUsername,
		adminPassword: adminPassword,
		staleAge:      staleAge,
		sessions:      make(map[string]string),
	}
}

func newToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (m *Manager) createSession(userID string) string {
	token := newToken()
	m.mu.Lock()
	m.sessions[token] = userID
	m.mu.Unlock()
	return token
}

// LoginParticipant claims a participant slot and returns the user plus a
// session token. If the slot is claimed but its user has gone idle for
// longer than the stale age, the login takes the session over; an active
// claim is rejected with ErrParticipantInUse.
func (m *Manager) LoginParticipant(ctx context.Context, participantID string) (*model.User, string, error) {
	p, err := m.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()

	if p.ClaimedByUserID != "" {
		existing, err := m.store.GetUser(ctx, p.ClaimedByUserID)
		if err != nil {
			return nil, "", fmt.Errorf("claimed participant has no user: %w", err)
		}
		if existing.LastActivity != nil && now.Sub(*existing.LastActivity) < m.staleAge {
			return nil, "", ErrParticipantInUse
		}
		// Stale session takeover.
		if err := m.store.TouchUser(ctx, existing.ID, now); err != nil {
			return nil, "", err
		}
		return existing, m.createSession(existing.ID), nil
	}

	// Unclaimed: reuse a user with this display name if one exists,
	// otherwise create one.
	user, err := m.store.GetUserByName(ctx, p.DisplayName)
	if errors.Is(err, store.ErrNotFound) {
		user = &model.User{
			ID:          uuid.NewString(),
			DisplayName: p.DisplayName,
			CreatedAt:   now,
		}
		if err := m.store.CreateUser(ctx, user); err != nil {
			return nil, "", err
		}
	} else if err != nil {
		return nil, "", err
	}

	if err := m.store.ClaimParticipant(ctx, p.ID, user.ID); err != nil {
		return nil, "", err
	}
	if err := m.store.TouchUser(ctx, user.ID, now); err != nil {
		return nil, "", err
	}
	return user, m.createSession(user.ID), nil
}

// LoginAdmin checks the configured credentials and returns the admin user
// plus a session token, creating the admin user on first login.
func (m *Manager) LoginAdmin(ctx context.Context, username, password string) (*model.User, string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.adminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(m.adminPassword)) == 1
	if !userOK || !passOK {
		return nil, "", ErrInvalidCredentials
	}

	user, err := m.store.GetUserByName(ctx, m.adminUsername)
	if errors.Is(err, store.ErrNotFound) {
		user = &model.User{
			ID:          uuid.NewString(),
			DisplayName: m.adminUsername,
			IsAdmin:     true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := m.store.CreateUser(ctx, user); err != nil {
			return nil, "", err
		}
	} else if err != nil {
		return nil, "", err
	}

	return user, m.createSession(user.ID), nil
}

// UserFromToken resolves a session token to its user and refreshes the
// user's activity timestamp.
func (m *Manager) UserFromToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	m.mu.RLock()
	userID, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}

	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Activity keeps the participant claim exclusive.
	if err := m.store.TouchUser(ctx, user.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout invalidates a session token. Unknown tokens are a no-op.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}
