package budget

type Plan struct {
	Status string
}

func transition(p *Plan) {
	p.Status = "REVIEW"
}
