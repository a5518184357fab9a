package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Task kinds painters submit. Tasks run over ticks and finish with a
// TASK_DONE or TASK_FAIL event carrying the task id.
const (
	TaskMoveTo   = "MOVE_TO"
	TaskPlace    = "PLACE"
	TaskMine     = "MINE"
	TaskOpen     = "OPEN"
	TaskClose    = "CLOSE"
	TaskTransfer = "TRANSFER"
	TaskDrop     = "DROP"
)

// Instant kinds. Instants apply within the tick they arrive and emit no
// completion event.
const (
	InstantSay    = "SAY"
	InstantEquip  = "EQUIP"
	InstantStance = "STANCE"
	InstantLook   = "LOOK"
)

// Stance modes for the STANCE instant.
const (
	StanceNormal = "NORMAL"
	StanceBraced = "BRACED"
)

// SelfContainer addresses the agent's own inventory in TRANSFER tasks.
const SelfContainer = "SELF"

// ContainerID formats the canonical id of a world container,
// e.g. "CHEST@4,64,-8".
func ContainerID(kind string, x, y, z int) string {
	return fmt.Sprintf("%s@%d,%d,%d", kind, x, y, z)
}

// ParseContainerID splits a container id back into kind and position.
func ParseContainerID(id string) (kind string, x, y, z int, err error) {
	kind, rest, ok := strings.Cut(id, "@")
	if !ok || kind == "" {
		return "", 0, 0, 0, fmt.Errorf("malformed container id %q", id)
	}
	parts := strings.Split(rest, ",")
	if len(parts) != 3 {
		return "", 0, 0, 0, fmt.Errorf("malformed container id %q", id)
	}
	coords := make([]int, 3)
	for i, p := range parts {
		coords[i], err = strconv.Atoi(p)
		if err != nil {
			return "", 0, 0, 0, fmt.Errorf("malformed container id %q", id)
		}
	}
	return kind, coords[0], coords[1], coords[2], nil
}
