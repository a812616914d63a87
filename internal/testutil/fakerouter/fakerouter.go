// Package fakerouter is a loopback stand-in for a matrix router used by tests.
//
// Each accepted connection carries exactly one framed command. The router
// answers from its canned replies, echoes the wire form back, or stays silent
// until the client hangs up. It counts sessions that overlap on the wire.
package fakerouter

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

type prefixReply struct {
	prefix string
	reply  string
}

type Router struct {
	ln net.Listener

	mu       sync.Mutex
	exact    map[string]string
	prefixes []prefixReply
	echo     bool
	delay    time.Duration
	received []string

	active   atomic.Int32
	overlaps atomic.Int32
	sessions atomic.Int32

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// Start listens on an ephemeral loopback port and closes with the test.
func Start(t testing.TB) *Router {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakerouter listen: %v", err)
	}
	r := &Router{
		ln:     ln,
		exact:  make(map[string]string),
		closed: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	t.Cleanup(r.Close)
	return r
}

func (r *Router) Addr() string { return r.ln.Addr().String() }

func (r *Router) Host() string {
	host, _, _ := net.SplitHostPort(r.Addr())
	return host
}

func (r *Router) Port() int {
	_, port, _ := net.SplitHostPort(r.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Reply answers content with reply verbatim.
func (r *Router) Reply(content, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[content] = reply
}

// ReplyPrefix answers any content starting with prefix.
func (r *Router) ReplyPrefix(prefix, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefixReply{prefix: prefix, reply: reply})
}

// Silence removes any canned reply for content.
func (r *Router) Silence(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exact, content)
}

// SetEcho makes unmatched commands echo their own wire form.
func (r *Router) SetEcho(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.echo = enabled
}

// SetDelay holds each session open for d before answering.
func (r *Router) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// Received returns every command content seen, in arrival order.
func (r *Router) Received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

// Count returns how many commands matching content arrived.
func (r *Router) Count(content string) int {
	n := 0
	for _, c := range r.Received() {
		if c == content {
			n++
		}
	}
	return n
}

func (r *Router) Overlaps() int { return int(r.overlaps.Load()) }

func (r *Router) Sessions() int { return int(r.sessions.Load()) }

func (r *Router) Close() {
	r.once.Do(func() {
		close(r.closed)
		_ = r.ln.Close()
		r.wg.Wait()
	})
}

func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			log.Debug().Err(err).Msg("fakerouter accept")
			return
		}
		r.sessions.Add(1)
		if r.active.Add(1) > 1 {
			r.overlaps.Add(1)
		}
		r.wg.Add(1)
		go r.serve(conn)
	}
}

func (r *Router) serve(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()
	released := false
	release := func() {
		if !released {
			released = true
			r.active.Add(-1)
		}
	}
	defer release()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)
	head, err := reader.ReadBytes(frame.Close)
	if err != nil {
		return
	}
	sum, err := reader.ReadByte()
	if err != nil {
		return
	}
	wire := append(head, sum)
	content, _, err := frame.ParseWire(wire)
	if err != nil {
		content = string(wire)
	}

	reply, delay := r.lookup(content, wire)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.closed:
		}
	}
	// Released before replying: a client only moves on once it reads the reply.
	release()
	if reply == "" {
		r.waitHangup(conn)
		return
	}
	_, _ = conn.Write([]byte(reply))
}

func (r *Router) lookup(content string, wire []byte) (string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, content)
	if reply, ok := r.exact[content]; ok {
		return reply, r.delay
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(content, p.prefix) {
			return p.reply, r.delay
		}
	}
	if r.echo {
		return string(wire), r.delay
	}
	return "", r.delay
}

func (r *Router) waitHangup(conn net.Conn) {
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
		select {
		case <-r.closed:
			return
		default:
		}
	}
}
