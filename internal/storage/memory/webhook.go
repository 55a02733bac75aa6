package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// RegisterWebhook stores an active registration
func (s *Store) RegisterWebhook(ctx context.Context, reg *domain.WebhookRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.webhooks[reg.ID]; exists {
		return fmt.Errorf("%w: webhook %s", domain.ErrDuplicateID, reg.ID)
	}
	if _, exists := s.tokens[reg.Token]; exists {
		return fmt.Errorf("%w: webhook token", domain.ErrDuplicateID)
	}

	r := *reg
	r.Status = domain.WebhookStatusActive
	r.ConsumedAt = nil
	s.webhooks[r.ID] = &r
	s.tokens[r.Token] = r.ID
	s.hookSeq[r.ID] = s.nextSeq()
	return nil
}

// GetWebhookByToken resolves a token to its registration
func (s *Store) GetWebhookByToken(ctx context.Context, token string) (*domain.WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	r := *s.webhooks[id]
	r.ConsumedAt = copyTimePtr(r.ConsumedAt)
	return &r, nil
}

// ListWebhooks returns registrations of one workflow oldest first
func (s *Store) ListWebhooks(ctx context.Context, workflowID string) ([]*domain.WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.WebhookRegistration
	for id, reg := range s.webhooks {
		if reg.WorkflowID != workflowID {
			continue
		}
		r := *s.webhooks[id]
		r.ConsumedAt = copyTimePtr(r.ConsumedAt)
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return s.hookSeq[out[i].ID] < s.hookSeq[out[j].ID] })
	return out, nil
}

// ConsumeWebhook flips an active registration to consumed
func (s *Store) ConsumeWebhook(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.webhooks[id]
	if !ok {
		return false, domain.ErrWebhookNotFound
	}
	if reg.Status == domain.WebhookStatusConsumed {
		return false, nil
	}
	now := s.now().UTC()
	reg.Status = domain.WebhookStatusConsumed
	reg.ConsumedAt = &now
	return true, nil
}
