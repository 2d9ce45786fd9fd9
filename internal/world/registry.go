package world

// Registry issues entity ids. Ids start at 1 so the zero value can mean
// "none" in fields such as Worker.Carrying.
type Registry struct {
	last uint64
}

func (r *Registry) Next() uint64 {
	r.last++
	return r.last
}

func (r *Registry) Last() uint64 {
	return r.last
}
