// Package fanout splits one stream into several independently consumed
// streams.
package fanout

import (
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

const chunkSize = 32 * 1024

// Split returns n readers that each observe every byte of src in order.
// Delivery is lock-step: a chunk is handed to all live branches before the
// next is read, so a stalled branch stalls the others. Closing a branch
// detaches it without disturbing the rest. src is closed once it is drained
// or every branch has been closed.
func Split(src io.ReadCloser, n int) []io.ReadCloser {
	if n <= 0 {
		src.Close()
		return nil
	}
	readers := make([]io.ReadCloser, n)
	writers := make([]*io.PipeWriter, n)
	for i := range n {
		pr, pw := io.Pipe()
		readers[i], writers[i] = pr, pw
	}
	go pump(src, writers)
	return readers
}

func pump(src io.ReadCloser, writers []*io.PipeWriter) {
	defer src.Close()
	alive := make([]bool, len(writers))
	for i := range alive {
		alive[i] = true
	}
	errs := make([]error, len(writers))
	buf := make([]byte, chunkSize)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			chunk := buf[:nr]
			var g errgroup.Group
			for i, w := range writers {
				if !alive[i] {
					continue
				}
				g.Go(func() error {
					_, errs[i] = w.Write(chunk)
					return nil
				})
			}
			g.Wait()
			live := 0
			for i := range writers {
				if alive[i] && errs[i] != nil {
					alive[i] = false
					writers[i].CloseWithError(errs[i])
				}
				if alive[i] {
					live++
				}
			}
			if live == 0 {
				return
			}
		}
		if rerr != nil {
			for i, w := range writers {
				if !alive[i] {
					continue
				}
				if errors.Is(rerr, io.EOF) {
					w.Close()
				} else {
					w.CloseWithError(rerr)
				}
			}
			return
		}
	}
}
