package geospatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation_Point(t *testing.T) {
	p, err := ParseLocation(`{"type":"Point","coordinates":[3.3792,6.5244]}`)
	require.NoError(t, err)
	assert.InDelta(t, 3.3792, p.Lon(), 1e-9)
	assert.InDelta(t, 6.5244, p.Lat(), 1e-9)
}

func TestParseLocation_Feature(t *testing.T) {
	raw := `{"type":"Feature","properties":{"name":"Apapa"},"geometry":{"type":"Point","coordinates":[3.36,6.44]}}`
	p, err := ParseLocation(raw)
	require.NoError(t, err)
	assert.InDelta(t, 6.44, p.Lat(), 1e-9)
}

func TestParseLocation_Rejects(t *testing.T) {
	_, err := ParseLocation("")
	assert.Error(t, err)

	_, err = ParseLocation(`{"type":"LineString","coordinates":[[0,0],[1,1]]}`)
	assert.ErrorIs(t, err, ErrNotPoint)

	_, err = ParseLocation(`{"type":"Point","coordinates":[200,6]}`)
	assert.Error(t, err)
}
