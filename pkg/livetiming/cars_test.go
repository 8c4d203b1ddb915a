package livetiming

import (
	"testing"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/livetiming-go/pkg/model"
	"github.com/mpapenbr/livetiming-go/pkg/processing/highlight"
)

func TestCarsFrom(t *testing.T) {
	v, err := oj.ParseString(`{
		"DriverList":{"16":{"Tla":"LEC"},"55":{"Tla":"SAI"},"2":{"Tla":"SAR"}},
		"TimingData":{"Lines":{
			"55":{"Position":"1"},
			"16":{"Position":"2","Retired":true,"IntervalToPositionAhead":{"Value":"+0.4"},"InPit":true},
			"31":{"Position":""}
		}},
		"TimingAppData":{"Lines":{"16":{"Stints":{"0":{"Compound":"SOFT"},"1":{"Compound":"MEDIUM"}}}}},
		"CarData":{"Entries":[{"Cars":{"55":{"Channels":{"0":10500,"45":8}}}}]}
	}`)
	require.NoError(t, err)
	snap := model.Snapshot{Feeds: v.(map[string]any)}
	hl := map[string]highlight.State{
		"16": {Changed: true, Direction: highlight.Worsened, ExpiresAt: t0.Add(5 * time.Second)},
	}

	cars := CarsFrom(snap, hl)
	require.Len(t, cars, 4)
	got := make([]string, 0, len(cars))
	for _, c := range cars {
		got = append(got, c.RacingNumber)
	}
	assert.Equal(t, []string{"55", "16", "2", "31"}, got)

	sai := cars[0]
	assert.True(t, sai.HasDriver)
	assert.True(t, sai.HasTelemetry)
	assert.Equal(t, 10500, sai.Telemetry.RPM)
	assert.False(t, sai.Telemetry.DRSOpen())
	assert.False(t, sai.HasStint)

	lec := cars[1]
	assert.True(t, lec.Line.IsOut())
	assert.False(t, lec.Line.CloseInterval(), "no close interval while in pit")
	assert.True(t, lec.HasStint)
	assert.Equal(t, "MEDIUM", lec.Stint.Compound)
	assert.Equal(t, highlight.Worsened, lec.Highlight.Direction)

	assert.False(t, cars[2].HasLine)
	assert.True(t, cars[3].HasLine)
	assert.False(t, cars[3].HasDriver)
}
