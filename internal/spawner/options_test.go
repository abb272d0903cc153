package spawner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresAppRoot(t *testing.T) {
	o := &Options{Environment: "production"}
	assert.Error(t, o.Validate())
}

func TestValidateDefaultsSpawnMethod(t *testing.T) {
	o := &Options{AppRoot: "/apps/foo", Environment: "production"}
	require.NoError(t, o.Validate())
	assert.Equal(t, SpawnMethodSmart, o.SpawnMethod)
}

func TestValidateDefaultsTimeouts(t *testing.T) {
	o := &Options{AppRoot: "/apps/foo", Environment: "production"}
	require.NoError(t, o.Validate())
	assert.Equal(t, -1, o.FrameworkSpawnerTimeout)
	assert.Equal(t, -1, o.AppSpawnerTimeout)
}
