package geospatial

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

var ErrNotPoint = errors.New("invalid GeoJSON: location must be a point")

// ParseLocation accepts a GeoJSON Feature or bare Geometry describing a
// warehouse site and returns its point. Polygons resolve to their centroid.
func ParseLocation(raw string) (orb.Point, error) {
	if raw == "" {
		return orb.Point{}, errors.New("invalid GeoJSON: empty")
	}

	var geom orb.Geometry
	if feature, err := geojson.UnmarshalFeature([]byte(raw)); err == nil && feature.Geometry != nil {
		geom = feature.Geometry
	} else {
		g, gerr := geojson.UnmarshalGeometry([]byte(raw))
		if gerr != nil {
			return orb.Point{}, fmt.Errorf("invalid GeoJSON: %w", gerr)
		}
		geom = g.Geometry()
	}

	switch v := geom.(type) {
	case orb.Point:
		return v, validateBounds(v)
	case orb.Polygon, orb.MultiPolygon:
		c, _ := CalculateCentroid(v)
		return c, validateBounds(c)
	default:
		return orb.Point{}, ErrNotPoint
	}
}

// PointGeoJSON encodes a point as a GeoJSON geometry.
func PointGeoJSON(p orb.Point) ([]byte, error) {
	return geojson.NewGeometry(p).MarshalJSON()
}

// CalculateCentroid calculates the centroid of a geometry
func CalculateCentroid(geometry orb.Geometry) (orb.Point, float64) {
	return planar.CentroidArea(geometry)
}

func validateBounds(p orb.Point) error {
	if p.Lon() < -180 || p.Lon() > 180 || p.Lat() < -90 || p.Lat() > 90 {
		return fmt.Errorf("invalid GeoJSON: coordinates out of range (%f, %f)", p.Lon(), p.Lat())
	}
	return nil
}
