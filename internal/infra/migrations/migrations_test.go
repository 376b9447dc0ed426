package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEmbeddedMigrations(t *testing.T) {
	all, err := List()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, "chat_schema", all[0].Name)
	assert.Contains(t, all[0].SQL, "CREATE TABLE IF NOT EXISTS messages")

	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Version, all[i-1].Version)
	}
}
