package health

// Overall rolls a component list up to a single status: any critical wins,
// then any warning, then healthy. An empty list is unknown.
func Overall(components []Component) Status {
	if len(components) == 0 {
		return StatusUnknown
	}
	status := StatusHealthy
	for _, c := range components {
		switch c.Status {
		case StatusCritical:
			return StatusCritical
		case StatusWarning:
			status = StatusWarning
		}
	}
	return status
}

// Tally counts the members of a group (pods in a namespace, nodes in a pool).
type Tally struct {
	Total     int `json:"total"`
	Unhealthy int `json:"unhealthy"`
}

// Status applies the majority rule. The group is critical only when strictly
// more than half its members are unhealthy; exactly half is a warning.
func (t Tally) Status() Status {
	switch {
	case t.Total <= 0:
		return StatusUnknown
	case t.Unhealthy == 0:
		return StatusHealthy
	case 2*t.Unhealthy > t.Total:
		return StatusCritical
	default:
		return StatusWarning
	}
}

// Summary is the per-type breakdown and counts over a component list.
type Summary struct {
	Total  int               `json:"total"`
	Ready  int               `json:"ready"`
	Failed int               `json:"failed"`
	ByType map[string]Status `json:"by_type"`
}

// Summarize derives the per-type status table and total/ready/failed counts.
// Warnings count as neither ready nor failed.
func Summarize(components []Component) Summary {
	s := Summary{
		Total:  len(components),
		ByType: make(map[string]Status),
	}
	grouped := make(map[string][]Component)
	for _, c := range components {
		switch c.Status {
		case StatusHealthy:
			s.Ready++
		case StatusCritical:
			s.Failed++
		}
		grouped[c.Type] = append(grouped[c.Type], c)
	}
	for typ, cs := range grouped {
		s.ByType[typ] = Overall(cs)
	}
	return s
}
