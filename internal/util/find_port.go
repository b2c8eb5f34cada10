package util

import (
	"net"
	"sync"

	"github.com/replicate/go/must"
)

var (
	ports   = make(map[int]bool)
	portsMu sync.Mutex
)

// FindPort returns a free local port not handed out before in this process.
func FindPort() int {
	portsMu.Lock()
	defer portsMu.Unlock()
	for {
		a := must.Get(net.ResolveTCPAddr("tcp", "localhost:0"))
		l := must.Get(net.ListenTCP("tcp", a))
		p := l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
		if !ports[p] {
			ports[p] = true
			return p
		}
	}
}
