package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clinic-scheduler/internal/model"
)

func (s *Store) GetTemplate(ctx context.Context, providerID string) (*model.WeeklyTemplate, error) {
	return getTemplate(ctx, s.DB, providerID)
}

func (s *Store) ReplaceTemplate(ctx context.Context, t *model.WeeklyTemplate) error {
	days, err := json.Marshal(t.Days)
	if err != nil {
		return fmt.Errorf("encode template days: %w", err)
	}
	now := time.Now().UTC()

	q := `INSERT INTO provider_templates (provider_id, timezone, days, updated_at)
	      VALUES ($1, $2, $3::jsonb, $4)
	      ON CONFLICT (provider_id) DO UPDATE
	      SET timezone=EXCLUDED.timezone, days=EXCLUDED.days, updated_at=EXCLUDED.updated_at`
	if _, err := s.DB.Exec(ctx, q, t.ProviderID, t.Timezone, string(days), now); err != nil {
		return classify("replace template", err)
	}
	t.UpdatedAt = now
	return nil
}
