package shadowsync

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"go.uber.org/zap"
)

// Registry owns one Service per owner and runs each until the registry
// context is done.
type Registry struct {
	ctx      context.Context
	template Config
	mu       sync.Mutex
	services map[string]*Service
	wg       sync.WaitGroup
}

// NewRegistry uses template for every Service it creates; OwnerID is filled in per owner.
func NewRegistry(ctx context.Context, template Config) *Registry {
	return &Registry{
		ctx:      ctx,
		template: template,
		services: make(map[string]*Service),
	}
}

// For returns the owner's Service, creating and starting it on first use.
func (r *Registry) For(ownerID string) (*Service, error) {
	owner, err := cards.NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if service, ok := r.services[owner.String()]; ok {
		return service, nil
	}

	cfg := r.template
	cfg.OwnerID = owner.String()
	service, err := NewService(cfg)
	if err != nil {
		return nil, err
	}
	r.services[owner.String()] = service
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		service.Run(r.ctx)
	}()
	if cfg.Logger != nil {
		cfg.Logger.Debug("shadow sync service started", zap.String("owner_id", owner.String()))
	}
	return service, nil
}

// Owners lists the owners with a running Service.
func (r *Registry) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	owners := make([]string, 0, len(r.services))
	for ownerID := range r.services {
		owners = append(owners, ownerID)
	}
	sort.Strings(owners)
	return owners
}

// Wait blocks until every Service loop has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
