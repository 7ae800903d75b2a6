package graph

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"wayfind/pkg/geo"
	"wayfind/pkg/model"
)

// FacilityMap is a fully parsed facility description, ready to load into
// the store and the zone engines.
type FacilityMap struct {
	Nodes           []model.Node
	Edges           []model.Edge
	TransitionZones []model.TransitionZone
	HazardZones     []model.HazardZone
	RestrictedAreas []model.RestrictedArea
	// Beacons maps beacon IDs to their installed positions.
	Beacons map[string]model.Position
}

// LoadGeoJSON reads a facility map from a GeoJSON feature collection.
// Point features with a "node" kind become nodes (coordinates are WGS-84
// and get projected into the local frame); LineString features with
// from/to properties become edges.
func LoadGeoJSON(path string, proj *geo.Projection) (*FacilityMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facility map %s: %w", path, err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse facility map %s: %w", path, err)
	}

	fm := &FacilityMap{Beacons: map[string]model.Position{}}
	for _, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Point:
			if err := fm.addPointFeature(f, proj); err != nil {
				return nil, err
			}
		case orb.LineString:
			if err := fm.addEdgeFeature(f); err != nil {
				return nil, err
			}
		}
	}
	return fm, nil
}

func (fm *FacilityMap) addPointFeature(f *geojson.Feature, proj *geo.Projection) error {
	pt := f.Geometry.(orb.Point)
	id := stringProp(f.Properties, "id")
	if id == "" {
		return fmt.Errorf("point feature without id")
	}
	floor := intProp(f.Properties, "floor")

	pos := proj.ToLocal(model.GeoPosition{Lat: pt[1], Lon: pt[0], Alt: floatProp(f.Properties, "alt")})
	pos.Floor = floor

	if stringProp(f.Properties, "feature") == "beacon" {
		fm.Beacons[id] = pos
		return nil
	}

	kind := model.NodeKind(stringProp(f.Properties, "kind"))
	if kind == "" {
		kind = model.NodeWalkway
	}
	fm.Nodes = append(fm.Nodes, model.Node{
		ID:       id,
		Position: pos,
		Kind:     kind,
		Name:     stringProp(f.Properties, "name"),
		Accessibility: model.Accessibility{
			Wheelchair:     boolProp(f.Properties, "wheelchair"),
			ElevatorAccess: boolProp(f.Properties, "elevator_access"),
			Braille:        boolProp(f.Properties, "braille"),
		},
	})
	return nil
}

func (fm *FacilityMap) addEdgeFeature(f *geojson.Feature) error {
	id := stringProp(f.Properties, "id")
	from := stringProp(f.Properties, "from")
	to := stringProp(f.Properties, "to")
	if id == "" || from == "" || to == "" {
		return fmt.Errorf("edge feature %q missing id/from/to", id)
	}

	mode := model.TraversalMode(stringProp(f.Properties, "mode"))
	if mode == "" {
		mode = model.ModeWalk
	}
	e := model.Edge{
		ID:                 id,
		From:               from,
		To:                 to,
		Distance:           floatProp(f.Properties, "distance"),
		EstimatedTime:      floatProp(f.Properties, "time"),
		Mode:               mode,
		Status:             model.EdgeOperational,
		DynamicWeight:      1,
		AccessibilityScore: 1,
	}
	if v, ok := f.Properties["accessibility_score"]; ok {
		if fv, ok := v.(float64); ok {
			e.AccessibilityScore = fv
		}
	}
	if cs, ok := f.Properties["constraints"].([]any); ok {
		for _, c := range cs {
			if s, ok := c.(string); ok {
				e.Constraints = append(e.Constraints, s)
			}
		}
	}
	fm.Edges = append(fm.Edges, e)
	return nil
}

func stringProp(props geojson.Properties, key string) string {
	if val, ok := props[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
		if f, ok := val.(json.Number); ok {
			return string(f)
		}
	}
	return ""
}

func floatProp(props geojson.Properties, key string) float64 {
	if val, ok := props[key]; ok {
		if f, ok := val.(float64); ok {
			return f
		}
	}
	return 0
}

func intProp(props geojson.Properties, key string) int {
	return int(floatProp(props, key))
}

func boolProp(props geojson.Properties, key string) bool {
	if val, ok := props[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}
