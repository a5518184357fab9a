package protocol

// Event types the fleet reacts to. Events ride in OBS messages as loose
// JSON objects keyed by "type"; the views below pull out the fields we
// depend on without committing the whole event surface to structs.
const (
	EventTaskDone  = "TASK_DONE"
	EventTaskFail  = "TASK_FAIL"
	EventContainer = "CONTAINER"
	EventChat      = "CHAT"
)

func (e Event) EventType() string {
	s, _ := e["type"].(string)
	return s
}

// TaskResult is the terminal view of a task: TASK_DONE or TASK_FAIL.
type TaskResult struct {
	TaskID  string
	Kind    string
	OK      bool
	Code    string
	Message string
}

// TaskResultFrom extracts a task outcome from an event, reporting false
// for events of any other type.
func TaskResultFrom(e Event) (TaskResult, bool) {
	switch e.EventType() {
	case EventTaskDone:
		return TaskResult{
			TaskID: eventStr(e, "task_id"),
			Kind:   eventStr(e, "kind"),
			OK:     true,
		}, true
	case EventTaskFail:
		return TaskResult{
			TaskID:  eventStr(e, "task_id"),
			Kind:    eventStr(e, "kind"),
			Code:    eventStr(e, "code"),
			Message: eventStr(e, "message"),
		}, true
	}
	return TaskResult{}, false
}

// ContainerSnapshot is the contents report a CONTAINER event carries
// after an OPEN completes.
type ContainerSnapshot struct {
	ID            string
	ContainerType string
	Pos           [3]int
	Inventory     []ItemStack
}

func ContainerSnapshotFrom(e Event) (ContainerSnapshot, bool) {
	if e.EventType() != EventContainer {
		return ContainerSnapshot{}, false
	}
	snap := ContainerSnapshot{
		ID:            eventStr(e, "container"),
		ContainerType: eventStr(e, "container_type"),
	}
	snap.Pos, _ = eventVec3(e, "pos")
	if raw, ok := e["inventory"].([]interface{}); ok {
		for _, entry := range raw {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			item, _ := m["item"].(string)
			count := 0
			if n, ok := m["count"].(float64); ok {
				count = int(n)
			}
			if item != "" {
				snap.Inventory = append(snap.Inventory, ItemStack{Item: item, Count: count})
			}
		}
	}
	return snap, true
}

func (s ContainerSnapshot) Count(item string) int {
	for _, st := range s.Inventory {
		if st.Item == item {
			return st.Count
		}
	}
	return 0
}

func eventStr(e Event, key string) string {
	s, _ := e[key].(string)
	return s
}

func eventVec3(e Event, key string) ([3]int, bool) {
	switch v := e[key].(type) {
	case [3]int:
		return v, true
	case []interface{}:
		if len(v) != 3 {
			return [3]int{}, false
		}
		var out [3]int
		for i := 0; i < 3; i++ {
			f, ok := v[i].(float64)
			if !ok {
				return [3]int{}, false
			}
			out[i] = int(f)
		}
		return out, true
	}
	return [3]int{}, false
}
