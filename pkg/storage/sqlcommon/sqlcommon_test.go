package sqlcommon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertSuffix(t *testing.T) {
	require.Equal(t,
		"ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, inserted_at = excluded.inserted_at",
		OnConflictUpsert([]string{"collection", "id"}, []string{"body", "inserted_at"}),
	)

	require.Equal(t,
		"ON DUPLICATE KEY UPDATE in_progress = VALUES(in_progress), result = VALUES(result)",
		OnDuplicateKeyUpsert([]string{"fingerprint"}, []string{"in_progress", "result"}),
	)
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg.Logger)
	require.Positive(t, cfg.MaxDocumentsPerWriteField)

	cfg = NewConfig(WithMaxDocumentsPerWrite(7), WithUsername("u"), WithPassword("p"), WithMetrics())
	require.Equal(t, 7, cfg.MaxDocumentsPerWriteField)
	require.Equal(t, "u", cfg.Username)
	require.Equal(t, "p", cfg.Password)
	require.True(t, cfg.ExportMetrics)
}
