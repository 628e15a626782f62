package tftpd

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// fakeDatagram is one inbound datagram queued for a fakeEndpoint, as if it
// had arrived from addr.
type fakeDatagram struct {
	data []byte
	from *net.UDPAddr
}

// fakeTimeout implements net.Error for a simulated read-deadline expiry.
type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "i/o timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

// fakeEndpoint is an in-memory udpEndpoint stand-in so sender_test.go and
// receiver_test.go can drive the session state machines without real
// sockets, per §9's "Handler injection" testability goal.
type fakeEndpoint struct {
	mu       sync.Mutex
	inbound  chan fakeDatagram
	outbound chan []byte
	deadline time.Time
	closed   bool
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		inbound:  make(chan fakeDatagram, 16),
		outbound: make(chan []byte, 16),
	}
}

func (f *fakeEndpoint) deliver(from *net.UDPAddr, data []byte) {
	cp := append([]byte(nil), data...)
	f.inbound <- fakeDatagram{data: cp, from: from}
}

func (f *fakeEndpoint) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	f.mu.Lock()
	deadline := f.deadline
	f.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, fakeTimeout{}
		}
		timer = time.NewTimer(d)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case dg := <-f.inbound:
		n := copy(b, dg.data)
		return n, dg.from, nil
	case <-timeoutCh:
		return 0, nil, fakeTimeout{}
	}
}

func (f *fakeEndpoint) WriteToUDP(b []byte, _ *net.UDPAddr) (int, error) {
	cp := append([]byte(nil), b...)
	f.outbound <- cp
	return len(b), nil
}

func (f *fakeEndpoint) SetDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeEndpoint) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// recvOutbound waits for the session's next outgoing datagram.
func (f *fakeEndpoint) recvOutbound(timeout time.Duration) ([]byte, error) {
	select {
	case b := <-f.outbound:
		return b, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for outbound datagram")
	}
}

var testPeer = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 55123}
var testForeign = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 61999}
