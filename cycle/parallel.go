package cycle

import (
	"runtime"
	"sync"
)

// parallelThreshold is the minimum ensemble size to use parallel processing.
// Below this, single-threaded is faster due to goroutine overhead.
const parallelThreshold = 8

// chunk represents a range of members for a worker to process.
type chunk struct {
	start, end int
}

// memberPool distributes member-wise work (likelihood terms, perturbation,
// prediction) across persistent workers. Phases are separated by a barrier:
// run does not return until every member has been processed, so all weights
// exist before resampling starts. No two workers ever touch the same member.
type memberPool struct {
	numWorkers int

	workChan chan chunk // sends work to workers
	doneChan chan error // workers signal chunk completion
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool

	// fn is the current phase's per-member function. It is written by the
	// dispatching goroutine before any chunk is sent; the channel send
	// orders the write before workers read it.
	fn func(member int) error
}

func newMemberPool() *memberPool {
	return &memberPool{numWorkers: runtime.GOMAXPROCS(0)}
}

// start launches persistent worker goroutines.
func (p *memberPool) start() {
	if p.running {
		return
	}

	p.workChan = make(chan chunk, p.numWorkers)
	p.doneChan = make(chan error, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// stop signals all workers to exit and waits for them.
func (p *memberPool) stop() {
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *memberPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case c, ok := <-p.workChan:
			if !ok {
				return
			}
			p.doneChan <- p.processChunk(c)
		}
	}
}

// processChunk applies the phase function to a member range, stopping the
// chunk at the first error.
func (p *memberPool) processChunk(c chunk) error {
	for m := c.start; m < c.end; m++ {
		if err := p.fn(m); err != nil {
			return err
		}
	}
	return nil
}

// run executes fn once per member index in [0, n) and waits for completion.
// Small ensembles run single-threaded. The first error encountered is
// returned; remaining chunks still drain so the pool stays consistent.
func (p *memberPool) run(n int, fn func(member int) error) error {
	if n <= 0 {
		return nil
	}

	if p == nil || !p.running || n < parallelThreshold {
		for m := 0; m < n; m++ {
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	}

	p.fn = fn
	chunkSize := (n + p.numWorkers - 1) / p.numWorkers

	dispatched := 0
	for w := 0; w < p.numWorkers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		p.workChan <- chunk{start: start, end: end}
		dispatched++
	}

	var firstErr error
	for i := 0; i < dispatched; i++ {
		if err := <-p.doneChan; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
