package route

import (
	"fmt"

	"wayfind/pkg/geo"
	"wayfind/pkg/graph"
	"wayfind/pkg/model"
)

// synthesize walks the edge chain and produces the turn-by-turn list:
// one start instruction, one instruction per edge (facility_use or
// floor_change for vertical edges, turn/continue from the relative
// bearing otherwise), and a terminal arrive.
func synthesize(snap *graph.Snapshot, res *searchResult) []model.Instruction {
	if len(res.path) == 0 {
		return nil
	}

	instrs := make([]model.Instruction, 0, len(res.edges)+2)
	startNode, _ := snap.Node(res.path[0])
	instrs = append(instrs, model.Instruction{
		Kind:   model.InstrStart,
		NodeID: startNode.ID,
		Text:   startText(startNode),
	})

	var prevBearing float64
	havePrev := false
	for i := range res.edges {
		e := &res.edges[i]
		from, _ := snap.Node(e.From)
		to, _ := snap.Node(e.To)

		instr := model.Instruction{
			NodeID:   e.From,
			Distance: e.Distance,
			Mode:     e.Mode,
		}

		floorDelta := to.Position.Floor - from.Position.Floor
		switch {
		case e.Mode == model.ModeElevator || e.Mode == model.ModeEscalator || e.Mode == model.ModeStairs:
			instr.Kind = model.InstrFacilityUse
			instr.FloorDelta = floorDelta
			instr.Text = facilityText(e.Mode, floorDelta)
			havePrev = false
		case floorDelta != 0:
			instr.Kind = model.InstrFloorChange
			instr.FloorDelta = floorDelta
			instr.Text = fmt.Sprintf("Go to floor %d", to.Position.Floor)
			havePrev = false
		default:
			bearing := geo.LocalBearing(from.Position, to.Position)
			instr.Kind = model.InstrContinue
			instr.Text = "Continue straight"
			if havePrev {
				rel := geo.NormalizeAngle(bearing - prevBearing)
				switch {
				case rel > -135 && rel < -45:
					instr.Kind = model.InstrTurnLeft
					instr.Text = turnText("left", to)
				case rel > 45 && rel < 135:
					instr.Kind = model.InstrTurnRight
					instr.Text = turnText("right", to)
				}
			}
			prevBearing = bearing
			havePrev = true
		}
		instrs = append(instrs, instr)
	}

	dest, _ := snap.Node(res.path[len(res.path)-1])
	instrs = append(instrs, model.Instruction{
		Kind:   model.InstrArrive,
		NodeID: dest.ID,
		Text:   arriveText(dest),
	})
	return instrs
}

func startText(n *model.Node) string {
	if n.Name != "" {
		return "Start at " + n.Name
	}
	return "Start"
}

func arriveText(n *model.Node) string {
	if n.Name != "" {
		return "Arrive at " + n.Name
	}
	return "You have arrived"
}

func turnText(dir string, to *model.Node) string {
	if to.Name != "" {
		return fmt.Sprintf("Turn %s toward %s", dir, to.Name)
	}
	return "Turn " + dir
}

func facilityText(mode model.TraversalMode, floorDelta int) string {
	verb := "up"
	if floorDelta < 0 {
		verb = "down"
	}
	switch mode {
	case model.ModeElevator:
		return fmt.Sprintf("Take the elevator %s %d floor(s)", verb, abs(floorDelta))
	case model.ModeEscalator:
		return fmt.Sprintf("Take the escalator %s", verb)
	case model.ModeStairs:
		return fmt.Sprintf("Take the stairs %s", verb)
	}
	return "Proceed"
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
