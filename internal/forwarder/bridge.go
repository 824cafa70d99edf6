package forwarder

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type copyResult struct {
	bytes int64
	err   error
}

// bridge copies readerA into connB and readerB into connA concurrently. The
// first direction to finish closes both connections so the other unblocks;
// bridge returns after both directions are done. The readers may differ from
// the connections when bytes were consumed before the bridge started.
func bridge(connA net.Conn, readerA io.Reader, connB net.Conn, readerB io.Reader) (aToB, bToA int64, err error) {
	toB := make(chan copyResult, 1)
	toA := make(chan copyResult, 1)

	go copyHalf(toB, connB, readerA)
	go copyHalf(toA, connA, readerB)

	var first copyResult
	var rest chan copyResult
	select {
	case first = <-toB:
		aToB, rest = first.bytes, toA
	case first = <-toA:
		bToA, rest = first.bytes, toB
	}

	connA.Close()
	connB.Close()

	second := <-rest
	if rest == toA {
		bToA = second.bytes
	} else {
		aToB = second.bytes
	}

	if first.err != nil && !isExpectedCloseError(first.err) {
		return aToB, bToA, first.err
	}
	return aToB, bToA, nil
}

func copyHalf(done chan<- copyResult, dst io.Writer, src io.Reader) {
	var res copyResult
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic during copy: %v", r)
		}
		done <- res
	}()
	res.bytes, res.err = io.Copy(dst, src)
}

// isExpectedCloseError reports whether err is a normal connection termination.
// Closing both sockets on teardown makes the surviving side see EPIPE or
// ECONNRESET instead of EOF.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
