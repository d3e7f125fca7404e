package agent

// portAllocator hands out game ports from [base, base+size), lowest free
// first. Callers synchronize through the manager's mutex.
type portAllocator struct {
	base int
	size int
	used map[int]bool
}

func newPortAllocator(base, size int) *portAllocator {
	return &portAllocator{base: base, size: size, used: make(map[int]bool, size)}
}

// acquire returns the lowest free port, or false when the range is full.
func (a *portAllocator) acquire() (int, bool) {
	for i := 0; i < a.size; i++ {
		port := a.base + i
		if !a.used[port] {
			a.used[port] = true
			return port, true
		}
	}
	return 0, false
}

// reserve claims a specific port. It fails when the port lies outside the
// range or is already taken.
func (a *portAllocator) reserve(port int) bool {
	if port < a.base || port >= a.base+a.size || a.used[port] {
		return false
	}
	a.used[port] = true
	return true
}

func (a *portAllocator) release(port int) {
	delete(a.used, port)
}
