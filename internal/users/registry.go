// Package users tracks authenticated identities: the connection-to-user
// address book, online state, and the user-info cache. Usernames are the
// whole credential; a matching online username is treated as a reconnection
// or second device, never a conflict.
package users

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/models"
	"github.com/parleychat/parley/internal/protocol"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/utils"
	"github.com/parleychat/parley/internal/validate"
)

// AuthResult is the outcome of a successful authenticate.
type AuthResult struct {
	User  *models.User
	IsNew bool
	// Token lets the client resume this identity after a dropped connection.
	Token string
}

// Registry owns the userId<->connectionId maps and online-state writes.
type Registry struct {
	store    store.Store
	cache    *cache.Cache
	cb       *breaker.Breaker
	sessions *auth.SessionManager
	logger   *utils.Logger

	mu         sync.RWMutex
	connToUser map[uuid.UUID]uuid.UUID
	userConns  map[uuid.UUID]map[uuid.UUID]struct{}
	usernames  map[uuid.UUID]string
}

// NewRegistry builds the registry. cb guards every store call.
func NewRegistry(st store.Store, c *cache.Cache, cb *breaker.Breaker, sessions *auth.SessionManager, logger *utils.Logger) *Registry {
	return &Registry{
		store:      st,
		cache:      c,
		cb:         cb,
		sessions:   sessions,
		logger:     logger,
		connToUser: make(map[uuid.UUID]uuid.UUID),
		userConns:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
		usernames:  make(map[uuid.UUID]string),
	}
}

// Authenticate binds a connection to a user identity. A valid resume token
// reattaches the token's identity directly; otherwise the username is
// validated and either attached to the matching online user or given a fresh
// identity.
func (r *Registry) Authenticate(ctx context.Context, connID uuid.UUID, username, token string) (*AuthResult, error) {
	if token != "" {
		if res, err := r.resumeSession(ctx, connID, token); err == nil {
			return res, nil
		}
		// An expired or foreign token falls back to plain username auth.
		r.logger.Debug(ctx, "session token rejected, falling back to username auth")
	}

	if err := validate.Username(username); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}

	existing, err := r.findOnline(ctx, username)
	if err != nil && err != store.ErrNotFound {
		return nil, protocol.NewError(protocol.CodeDatabaseError, "authentication is temporarily unavailable")
	}

	var user *models.User
	isNew := existing == nil
	if existing != nil {
		user = existing
	} else {
		user = &models.User{
			ID:        uuid.New(),
			Username:  username,
			CreatedAt: time.Now().UTC(),
			LastSeen:  time.Now().UTC(),
			IsOnline:  true,
		}
		if _, err := r.cb.Execute(func() (interface{}, error) {
			return nil, store.WithRetry(ctx, func(ctx context.Context) error {
				return r.store.CreateUser(ctx, user)
			})
		}, nil); err != nil {
			return nil, protocol.NewError(protocol.CodeDatabaseError, "failed to create user")
		}
	}

	r.attach(connID, user.ID, user.Username)
	r.recordConnection(ctx, user.ID, 1)
	user.ConnectionCount++
	r.cacheUser(ctx, user)

	resume, err := r.sessions.Issue(user.ID, user.Username)
	if err != nil {
		r.logger.Error(ctx, "failed to issue session token for %s: %v", user.ID, err)
	}
	return &AuthResult{User: user, IsNew: isNew, Token: resume}, nil
}

func (r *Registry) resumeSession(ctx context.Context, connID uuid.UUID, token string) (*AuthResult, error) {
	claims, err := r.sessions.Validate(token)
	if err != nil {
		return nil, err
	}
	user, err := r.UserInfo(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsOnline {
		if _, err := r.cb.Execute(func() (interface{}, error) {
			return nil, r.store.SetUserOnline(ctx, user.ID, true)
		}, nil); err != nil {
			return nil, err
		}
		user.IsOnline = true
	}
	r.attach(connID, user.ID, user.Username)
	r.recordConnection(ctx, user.ID, 1)
	user.ConnectionCount++
	r.cacheUser(ctx, user)
	return &AuthResult{User: user, IsNew: false, Token: token}, nil
}

// Disconnect detaches a connection. remaining is the count of connections the
// user still holds; at zero the user goes offline and the caller is expected
// to leave their rooms.
func (r *Registry) Disconnect(ctx context.Context, connID uuid.UUID) (userID uuid.UUID, username string, remaining int, err error) {
	r.mu.Lock()
	userID, ok := r.connToUser[connID]
	if !ok {
		r.mu.Unlock()
		return uuid.Nil, "", 0, store.ErrNotFound
	}
	delete(r.connToUser, connID)
	conns := r.userConns[userID]
	delete(conns, connID)
	remaining = len(conns)
	username = r.usernames[userID]
	if remaining == 0 {
		delete(r.userConns, userID)
		delete(r.usernames, userID)
	}
	r.mu.Unlock()

	if remaining > 0 {
		r.recordConnection(ctx, userID, -1)
		r.cache.Invalidate(ctx, cache.UserInfoKey(userID.String()), false)
		return userID, username, remaining, nil
	}

	if _, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.store.SetUserOnline(ctx, userID, false)
	}, nil); err != nil {
		r.logger.Error(ctx, "failed to mark user %s offline: %v", userID, err)
	}
	r.cache.Invalidate(ctx, cache.UserInfoKey(userID.String()), true)
	return userID, username, 0, nil
}

// ResolveConnection maps a connection back to its identity.
func (r *Registry) ResolveConnection(connID uuid.UUID) (uuid.UUID, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.connToUser[connID]
	if !ok {
		return uuid.Nil, "", false
	}
	return userID, r.usernames[userID], true
}

// ConnectionsOf lists the live connections attached to a user.
func (r *Registry) ConnectionsOf(userID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(r.userConns[userID]))
	for connID := range r.userConns[userID] {
		out = append(out, connID)
	}
	return out
}

// OnlineUsers returns the current online snapshot.
func (r *Registry) OnlineUsers(ctx context.Context, limit int) ([]models.User, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.store.FindOnlineUsers(ctx, limit)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	return res.([]models.User), nil
}

// UserInfo reads a user through the cache.
func (r *Registry) UserInfo(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	ok, err := r.cache.Get(ctx, cache.UserInfoKey(userID.String()), &user, cache.DefaultLocalTTL, func(ctx context.Context) (interface{}, error) {
		// Not-found must not count against the breaker.
		res, err := r.cb.Execute(func() (interface{}, error) {
			found, err := r.store.FindUserByID(ctx, userID)
			if err == store.ErrNotFound {
				return nil, nil
			}
			return found, err
		}, nil)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, store.ErrNotFound
		}
		return res.(*models.User), nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

// RecordActivity bumps message counters for a user after a successful send.
func (r *Registry) RecordActivity(ctx context.Context, userID uuid.UUID) {
	if _, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.store.RecordUserMessage(ctx, userID)
	}, nil); err != nil {
		r.logger.Debug(ctx, "failed to record activity for %s: %v", userID, err)
	}
	r.cache.Invalidate(ctx, cache.UserInfoKey(userID.String()), false)
}

func (r *Registry) findOnline(ctx context.Context, username string) (*models.User, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		user, err := r.store.FindUserByUsernameOnline(ctx, username)
		if err == store.ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return user, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, store.ErrNotFound
	}
	return res.(*models.User), nil
}

// recordConnection keeps the durable connection_count in step with the
// in-memory connection maps.
func (r *Registry) recordConnection(ctx context.Context, userID uuid.UUID, delta int) {
	if _, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.store.RecordUserConnection(ctx, userID, delta)
	}, nil); err != nil {
		r.logger.Debug(ctx, "failed to record connection for %s: %v", userID, err)
	}
}

func (r *Registry) attach(connID, userID uuid.UUID, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connToUser[connID] = userID
	if r.userConns[userID] == nil {
		r.userConns[userID] = make(map[uuid.UUID]struct{})
	}
	r.userConns[userID][connID] = struct{}{}
	r.usernames[userID] = username
}

func (r *Registry) cacheUser(ctx context.Context, user *models.User) {
	if err := r.cache.Set(ctx, cache.UserInfoKey(user.ID.String()), user, cache.DefaultLocalTTL); err != nil {
		r.logger.Debug(ctx, "failed to cache user %s: %v", user.ID, err)
	}
}
