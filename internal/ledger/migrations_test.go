package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsOrderedByVersion(t *testing.T) {
	files, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for i := 1; i < len(files); i++ {
		assert.Less(t, files[i-1].version, files[i].version, "migrations must be strictly increasing")
	}
	assert.Equal(t, 1, files[0].version)
	assert.Equal(t, "0001_init.sql", files[0].name)
}
