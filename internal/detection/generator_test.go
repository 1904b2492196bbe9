package detection

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/intersection/internal/timeutil"
)

func TestGenerator_Ranges(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewGenerator(rand.New(rand.NewSource(1)), clock)

	valid := map[Category]bool{Car: true, Truck: true, Bus: true, Motorcycle: true, Bicycle: true}
	seen := map[Category]int{}
	ids := map[string]bool{}

	for i := 0; i < 200; i++ {
		m := g.Detect("Road A")
		require.Equal(t, "Road A", m.Road)
		require.LessOrEqual(t, m.VehicleCount, 15)
		require.Len(t, m.Vehicles, m.VehicleCount)
		assert.Equal(t, clock.Now(), m.Timestamp)

		for _, v := range m.Vehicles {
			assert.True(t, valid[v.Category], "category %q", v.Category)
			seen[v.Category]++

			assert.GreaterOrEqual(t, v.Confidence, 0.5)
			assert.Less(t, v.Confidence, 0.99)
			assert.GreaterOrEqual(t, v.BBox.X, 0.0)
			assert.Less(t, v.BBox.X, 0.8)
			assert.GreaterOrEqual(t, v.BBox.W, 0.05)
			assert.Less(t, v.BBox.W, 0.2)
			assert.GreaterOrEqual(t, v.SpeedKPH, 0.0)
			assert.Less(t, v.SpeedKPH, 80.0)

			_, err := uuid.Parse(v.ID)
			assert.NoError(t, err)
			assert.False(t, ids[v.ID], "duplicate id %s", v.ID)
			ids[v.ID] = true
		}
	}

	assert.Greater(t, seen[Car], seen[Bus], "cars are weighted above buses")
}

func TestGenerator_SeededIsReproducible(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	a := NewGenerator(rand.New(rand.NewSource(42)), clock)
	b := NewGenerator(rand.New(rand.NewSource(42)), clock)

	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(a.Detect("Road D"), b.Detect("Road D")); diff != "" {
			t.Fatalf("pass %d diverged (-a +b):\n%s", i, diff)
		}
	}
}

func TestGenerator_Defaults(t *testing.T) {
	g := NewGenerator(nil, nil)
	m := g.Detect("Road B")
	assert.Equal(t, "Road B", m.Road)
}
