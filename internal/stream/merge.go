// Package stream provides the fan-in primitive that merges two independent
// asynchronous event sources into one consumer-facing channel.
package stream

// Merge fans in two producers into a single output channel. Values from the
// same input channel preserve their emission order; no ordering is
// guaranteed across the two inputs.
//
// Termination is deliberately asymmetric: the output channel closes when —
// and only when — primary closes. The secondary channel closing (or its
// producer failing) leaves the merged stream open, because primary events
// may still be in flight. Once primary has closed, secondary's already
// buffered backlog is swept into the output without blocking, then the
// output closes; a secondary producer that is still running past that point
// has its remaining values discarded.
func Merge[T any](primary, secondary <-chan T) <-chan T {
	out := make(chan T, cap(primary)+cap(secondary))
	go func() {
		defer close(out)
		for {
			select {
			case v, ok := <-primary:
				if !ok {
					sweep(secondary, out)
					return
				}
				out <- v
			case v, ok := <-secondary:
				if !ok {
					// Secondary finished; keep forwarding primary alone.
					secondary = nil
					continue
				}
				out <- v
			}
		}
	}()
	return out
}

// sweep forwards whatever is already buffered in ch without waiting for the
// producer. A nil channel (secondary already finished) is a no-op.
func sweep[T any](ch <-chan T, out chan<- T) {
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return
			}
			out <- v
		default:
			return
		}
	}
}
