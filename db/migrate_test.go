package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpMigrationsOrdered(t *testing.T) {
	names, err := UpMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "migrations/0001_init.up.sql", names[0])
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}

func TestVersionOf(t *testing.T) {
	assert.Equal(t, "0001_init", versionOf("migrations/0001_init.up.sql"))
	assert.Equal(t, "0002_x", versionOf("0002_x.up.sql"))
}
