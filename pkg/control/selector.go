package control

import (
	"fmt"
	"net"

	"github.com/olimpiadi-informatica/pixie/pkg/fleet"
)

// parseSelector resolves a path segment from POST /admin/curr_action/<sel>/
// into a fleet.Selector: "all", a configured group name, or
// a MAC address.
func parseSelector(raw string, groups map[string]uint8) (fleet.Selector, error) {
	if raw == "all" {
		return fleet.Selector{All: true}, nil
	}
	if mac, err := net.ParseMAC(raw); err == nil && len(mac) == 6 {
		var arr [6]byte
		copy(arr[:], mac)
		return fleet.Selector{MAC: &arr}, nil
	}
	if group, ok := groups[raw]; ok {
		return fleet.Selector{HasGroup: true, Group: group}, nil
	}
	return fleet.Selector{}, fmt.Errorf("unknown selector %q: not \"all\", a MAC, or a configured group", raw)
}

// parseAction resolves the action path segment:
// store|flash|reboot|register|wait. store/flash (push/pull) need an image
// name, supplied by the ?image= query parameter or, if omitted, whatever
// image is already assigned to the selected unit(s).
func parseAction(raw, image string, chunksPort, hintPort uint16) (fleet.Action, error) {
	switch raw {
	case "wait":
		return fleet.Wait(), nil
	case "reboot":
		return fleet.Reboot(), nil
	case "register":
		return fleet.Action{Kind: fleet.ActionRegister}, nil
	case "store":
		return fleet.Push(image), nil
	case "flash":
		return fleet.Pull(image, chunksPort, hintPort), nil
	default:
		return fleet.Action{}, fmt.Errorf("unknown action %q: not store|flash|reboot|register|wait", raw)
	}
}
