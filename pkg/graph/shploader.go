package graph

import (
	"fmt"
	"strconv"
	"strings"

	shp "github.com/jonas-p/go-shp"

	"wayfind/pkg/geo"
	"wayfind/pkg/model"
)

// LoadShapefile reads a facility map from a GIS shapefile export: point
// shapes become nodes or beacons, polyline shapes become edges. Attribute
// names follow the same contract as the GeoJSON loader (ID, KIND, FLOOR,
// FROM, TO, MODE, DIST, TIME, WHEELCH).
func LoadShapefile(path string, proj *geo.Projection) (*FacilityMap, error) {
	shape, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shapefile: %w", err)
	}
	defer shape.Close()

	fields := shape.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		fieldIdx[strings.ToUpper(strings.TrimRight(f.String(), "\x00"))] = i
	}

	attr := func(row int, name string) string {
		idx, ok := fieldIdx[name]
		if !ok {
			return ""
		}
		return strings.TrimSpace(shape.ReadAttribute(row, idx))
	}

	fm := &FacilityMap{Beacons: map[string]model.Position{}}
	row := -1
	for shape.Next() {
		row++
		_, p := shape.Shape()

		switch s := p.(type) {
		case *shp.Null:
			continue
		case *shp.Point, *shp.PointZ:
			var x, y, z float64
			if pt, ok := s.(*shp.Point); ok {
				x, y = pt.X, pt.Y
			} else {
				pt := s.(*shp.PointZ)
				x, y, z = pt.X, pt.Y, pt.Z
			}
			if err := fm.addShpPoint(proj, attr, row, x, y, z); err != nil {
				return nil, err
			}
		case *shp.PolyLine:
			if err := fm.addShpEdge(attr, row); err != nil {
				return nil, err
			}
		}
	}
	return fm, nil
}

func (fm *FacilityMap) addShpPoint(proj *geo.Projection, attr func(int, string) string, row int, lon, lat, alt float64) error {
	id := attr(row, "ID")
	if id == "" {
		return fmt.Errorf("shapefile point %d without ID attribute", row)
	}
	floor, _ := strconv.Atoi(attr(row, "FLOOR"))

	pos := proj.ToLocal(model.GeoPosition{Lat: lat, Lon: lon, Alt: alt})
	pos.Floor = floor

	if strings.EqualFold(attr(row, "FEATURE"), "beacon") {
		fm.Beacons[id] = pos
		return nil
	}

	kind := model.NodeKind(strings.ToLower(attr(row, "KIND")))
	if kind == "" {
		kind = model.NodeWalkway
	}
	fm.Nodes = append(fm.Nodes, model.Node{
		ID:       id,
		Position: pos,
		Kind:     kind,
		Name:     attr(row, "NAME"),
		Accessibility: model.Accessibility{
			Wheelchair:     attr(row, "WHEELCH") == "1",
			ElevatorAccess: attr(row, "ELEV") == "1",
			Braille:        attr(row, "BRAILLE") == "1",
		},
	})
	return nil
}

func (fm *FacilityMap) addShpEdge(attr func(int, string) string, row int) error {
	id := attr(row, "ID")
	from := attr(row, "FROM")
	to := attr(row, "TO")
	if id == "" || from == "" || to == "" {
		return fmt.Errorf("shapefile edge %d missing ID/FROM/TO", row)
	}

	dist, _ := strconv.ParseFloat(attr(row, "DIST"), 64)
	dur, _ := strconv.ParseFloat(attr(row, "TIME"), 64)
	mode := model.TraversalMode(strings.ToLower(attr(row, "MODE")))
	if mode == "" {
		mode = model.ModeWalk
	}

	e := model.Edge{
		ID:                 id,
		From:               from,
		To:                 to,
		Distance:           dist,
		EstimatedTime:      dur,
		Mode:               mode,
		Status:             model.EdgeOperational,
		DynamicWeight:      1,
		AccessibilityScore: 1,
	}
	if attr(row, "WHEELCH") == "0" {
		e.Constraints = append(e.Constraints, model.ConstraintWheelchairInaccessible)
		e.AccessibilityScore = 0
	}
	fm.Edges = append(fm.Edges, e)
	return nil
}
