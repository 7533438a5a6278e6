package pool

type fixed struct {
	available chan interface{}
	all       chan interface{}
	buf       chan interface{}
	newFn     func() interface{}
}

// NewFixed is a bounded pool: at most capacity elements are ever live at
// once, so Get blocks once that many are checked out until a Put frees one.
// This is what a lease.Client backed by NewFixed uses to cap how many
// leases - and so how many tasks - may be admitted concurrently.
func NewFixed(capacity uint, newFn func() interface{}) Pool {
	return &fixed{
		available: make(chan interface{}, capacity),
		all:       make(chan interface{}, capacity),
		buf:       make(chan interface{}, 1024),
		newFn:     newFn,
	}
}

func (p *fixed) Get() interface{} {
	select {
	case el := <-p.available:
		return el

	case el := <-p.buf:
		return el

	default:
		// Each slot taken in all stands for one created element; once all is
		// full, wait for a Put to hand an element back through available.
		select {
		case el := <-p.available:
			return el
		case p.all <- nil:
			return p.newFn()
		}
	}
}

func (p *fixed) Put(el interface{}) {
	select {
	case p.available <- el:
	default:
	}
}
