package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WeatherTypes_AddListRemove(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, db.AddWeatherType(ctx, "rain", 3))
	require.NoError(t, db.AddWeatherType(ctx, "clear", 5))

	types, err := db.ListWeatherTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, "clear", types[0].Name, "list is ordered by name")
	assert.Equal(t, 5, types[0].Weight)
	assert.Equal(t, "rain", types[1].Name)

	require.NoError(t, db.RemoveWeatherType(ctx, "rain"))
	types, err = db.ListWeatherTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "clear", types[0].Name)
}

func Test_AddWeatherType_UpsertsWeight(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, db.AddWeatherType(ctx, "fog", 1))
	require.NoError(t, db.AddWeatherType(ctx, "fog", 7))

	types, err := db.ListWeatherTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, 7, types[0].Weight, "re-adding a name updates its weight")
}

func Test_RemoveWeatherType_Unknown(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	err := db.RemoveWeatherType(context.Background(), "no_such_weather")
	require.ErrorIs(t, err, ErrNotFound)
}
