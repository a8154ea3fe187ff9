package service

// RegisterObserver installs the single status observer. The callback takes no
// arguments: it only signals "something changed, re-read". It must be
// registered before the coordinator starts mutating state.
func (c *Coordinator) RegisterObserver(fn func()) {
	c.observer = fn
}

// notifyObserver fans out a status change, fire-and-forget. It is always
// called outside the coordinator mutex so the observer may read back through
// the query methods.
func (c *Coordinator) notifyObserver() {
	if c.observer != nil {
		c.observer()
	}
}
