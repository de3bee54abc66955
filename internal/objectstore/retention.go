package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ringvault/ringvault/internal/metrics"
	"github.com/ringvault/ringvault/internal/storage"
)

// ReconcileAction reports what Reconcile did to the rule set.
type ReconcileAction string

const (
	ActionCreated     ReconcileAction = "created"
	ActionUpdated     ReconcileAction = "updated"
	ActionRemoved     ReconcileAction = "removed"
	ActionUnchanged   ReconcileAction = "unchanged"
	ActionUnsupported ReconcileAction = "unsupported"
)

// RetentionManager keeps one expiration rule per cluster prefix in the
// store's lifecycle configuration.
type RetentionManager struct {
	backend storage.Backend
}

// NewRetentionManager creates a RetentionManager over backend.
func NewRetentionManager(backend storage.Backend) *RetentionManager {
	return &RetentionManager{backend: backend}
}

// Reconcile makes the rule identified by clusterPrefix expire objects after
// retentionDays. Rules are matched by ID, case-insensitively. A positive
// value creates or updates the rule; zero or less removes it. An
// unchanged rule is never rewritten. Rules belonging to other prefixes are
// written back untouched.
func (m *RetentionManager) Reconcile(ctx context.Context, clusterPrefix string, retentionDays int) (ReconcileAction, error) {
	action, err := m.reconcile(ctx, clusterPrefix, retentionDays)
	if err != nil {
		slog.Error("Retention reconcile failed", "prefix", clusterPrefix, "error", err)
		return action, err
	}
	metrics.RetentionReconcilesTotal.WithLabelValues(string(action)).Inc()
	slog.Info("Retention reconciled", "prefix", clusterPrefix, "days", retentionDays, "action", string(action))
	return action, nil
}

func (m *RetentionManager) reconcile(ctx context.Context, clusterPrefix string, retentionDays int) (ReconcileAction, error) {
	rules, err := m.backend.GetRetentionRules(ctx)
	if errors.Is(err, storage.ErrRetentionUnsupported) {
		return ActionUnsupported, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading retention rules: %w", err)
	}

	idx := -1
	for i, r := range rules {
		if strings.EqualFold(r.ID, clusterPrefix) {
			idx = i
			break
		}
	}

	var action ReconcileAction
	switch {
	case retentionDays <= 0 && idx < 0:
		return ActionUnchanged, nil
	case retentionDays <= 0:
		rules = append(rules[:idx], rules[idx+1:]...)
		action = ActionRemoved
	case idx < 0:
		rules = append(rules, storage.RetentionRule{
			ID:             clusterPrefix,
			Prefix:         clusterPrefix,
			ExpirationDays: retentionDays,
			Enabled:        true,
		})
		action = ActionCreated
	case rules[idx].ExpirationDays == retentionDays:
		return ActionUnchanged, nil
	default:
		rules[idx].ExpirationDays = retentionDays
		action = ActionUpdated
	}

	if err := m.backend.PutRetentionRules(ctx, rules); err != nil {
		if errors.Is(err, storage.ErrRetentionUnsupported) {
			return ActionUnsupported, nil
		}
		return "", fmt.Errorf("writing retention rules: %w", err)
	}
	return action, nil
}
