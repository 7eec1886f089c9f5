package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Settings personalizes the system preamble sent with every chat turn. All
// fields are optional; empty fields contribute nothing to the preamble.
type Settings struct {
	DisplayName    string   `json:"displayName,omitempty"`
	Profession     string   `json:"profession,omitempty"`
	Traits         []string `json:"traits,omitempty"`
	AdditionalInfo string   `json:"additionalInfo,omitempty"`
}

func (s Store) GetSettings(ctx context.Context, userID string) (Settings, error) {
	query := `
SELECT COALESCE(display_name, ''), COALESCE(profession, ''), COALESCE(traits, ''), COALESCE(additional_info, '')
FROM usersettings
WHERE user_id = ?
LIMIT 1;
`

	var out Settings
	var traits string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&out.DisplayName, &out.Profession, &traits, &out.AdditionalInfo)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	out.Traits = splitTraits(traits)
	return out, nil
}

func (s Store) UpsertSettings(ctx context.Context, userID string, settings Settings) (Settings, error) {
	query := `
INSERT INTO usersettings (user_id, display_name, profession, traits, additional_info)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  display_name = excluded.display_name,
  profession = excluded.profession,
  traits = excluded.traits,
  additional_info = excluded.additional_info,
  updated_at = CURRENT_TIMESTAMP;
`

	if _, err := s.db.ExecContext(
		ctx,
		query,
		userID,
		strings.TrimSpace(settings.DisplayName),
		strings.TrimSpace(settings.Profession),
		joinTraits(settings.Traits),
		strings.TrimSpace(settings.AdditionalInfo),
	); err != nil {
		return Settings{}, fmt.Errorf("upsert settings: %w", err)
	}
	return s.GetSettings(ctx, userID)
}

func splitTraits(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	traits := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			traits = append(traits, trimmed)
		}
	}
	return traits
}

func joinTraits(traits []string) string {
	cleaned := make([]string, 0, len(traits))
	for _, trait := range traits {
		if trimmed := strings.TrimSpace(trait); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, ", ")
}
