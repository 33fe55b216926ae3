package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scholaris/approval-engine/internal/condition"
	"github.com/scholaris/approval-engine/internal/model"
	"github.com/scholaris/approval-engine/internal/store"
)

// resolveTemplate picks the workflow template for a submission. Candidates
// are the tenant's active templates for the request type and category,
// evaluated in ascending priority order; the first one whose validity window
// and condition both match wins. With no match, the tenant's default template
// applies. A template whose condition fails to evaluate is skipped.
func (e *Engine) resolveTemplate(ctx context.Context, tenantID, requestType, category string, attrs condition.Attributes, now time.Time) (*model.WorkflowTemplate, error) {
	candidates, err := e.store.ListCandidateTemplates(ctx, tenantID, requestType, category)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	for _, t := range candidates {
		if !t.ValidAt(now) {
			continue
		}
		if t.Condition == nil {
			return t, nil
		}
		ok, err := t.Condition.Evaluate(attrs)
		if err != nil {
			log.Printf("[engine] skipping template %s: condition evaluation: %v", t.ID, err)
			continue
		}
		if ok {
			return t, nil
		}
	}

	def, err := e.store.GetDefaultTemplate(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: tenant %s has no template for %s/%s and no default",
			ErrNoApplicableTemplate, tenantID, requestType, category)
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !def.ValidAt(now) {
		return nil, fmt.Errorf("%w: default template for tenant %s is outside its validity window",
			ErrNoApplicableTemplate, tenantID)
	}
	return def, nil
}
