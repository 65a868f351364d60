package sessions

import (
	"errors"
	"sync"

	"github.com/obeci/obeci/backend/go-services/internal/models"
)

var ErrAlreadyBound = errors.New("connection already bound")

// Binder associates a connection with the principal that opened it.
// A binding is fixed for the life of the connection.
type Binder struct {
	mu       sync.RWMutex
	bindings map[string]models.Principal
}

func NewBinder() *Binder {
	return &Binder{bindings: make(map[string]models.Principal)}
}

func (b *Binder) Bind(connID string, p models.Principal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bindings[connID]; ok {
		return ErrAlreadyBound
	}
	p.Roles = append([]string(nil), p.Roles...)
	b.bindings[connID] = p
	return nil
}

// Resolve returns the bound principal; ok is false for unknown connections.
func (b *Binder) Resolve(connID string) (models.Principal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.bindings[connID]
	return p, ok
}

func (b *Binder) Unbind(connID string) {
	b.mu.Lock()
	delete(b.bindings, connID)
	b.mu.Unlock()
}

func (b *Binder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}
