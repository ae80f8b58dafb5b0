package fieldops

type Task struct {
	Status string
	Name   string
}

func advance(t *Task) {
	t.Status = "DONE" // want "status field assigned outside the designated service package; use the transition guard"
}

func advanceAll(ts []*Task) {
	for _, t := range ts {
		t.Name, t.Status = "x", "DONE" // want "status field assigned outside the designated service package; use the transition guard"
	}
}

func rename(t *Task, name string) {
	t.Name = name
}

func localShadow() {
	Status := "DRAFT"
	_ = Status
}
