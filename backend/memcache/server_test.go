package memcache

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer speaks the subset of the memcached text protocol gomemcache uses.
type fakeServer struct {
	ln net.Listener

	mu    sync.Mutex
	now   time.Time
	items map[string]fakeItem
	sets  []string // raw "set" command lines, for assertions
}

type fakeItem struct {
	value    []byte
	flags    uint32
	expireAt time.Time // zero = never
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, now: time.Unix(1700000000, 0), items: make(map[string]fakeItem)}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func (s *fakeServer) setLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sets...)
}

func (s *fakeServer) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		f := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(f) == 0 {
			continue
		}
		switch f[0] {
		case "version":
			fmt.Fprint(w, "VERSION 1.6.0-fake\r\n")
		case "get", "gets":
			s.mu.Lock()
			for _, k := range f[1:] {
				it, ok := s.live(k)
				if !ok {
					continue
				}
				fmt.Fprintf(w, "VALUE %s %d %d 1\r\n", k, it.flags, len(it.value))
				w.Write(it.value)
				fmt.Fprint(w, "\r\n")
			}
			s.mu.Unlock()
			fmt.Fprint(w, "END\r\n")
		case "set":
			if len(f) < 5 {
				fmt.Fprint(w, "ERROR\r\n")
				break
			}
			flags, _ := strconv.ParseUint(f[2], 10, 32)
			exp, _ := strconv.ParseInt(f[3], 10, 64)
			n, _ := strconv.Atoi(f[4])
			data := make([]byte, n+2)
			if _, err := io.ReadFull(r, data); err != nil {
				return
			}
			s.mu.Lock()
			s.sets = append(s.sets, strings.Join(f, " "))
			s.items[f[1]] = fakeItem{value: data[:n], flags: uint32(flags), expireAt: s.expireAt(exp)}
			s.mu.Unlock()
			fmt.Fprint(w, "STORED\r\n")
		case "delete":
			s.mu.Lock()
			_, ok := s.live(f[1])
			delete(s.items, f[1])
			s.mu.Unlock()
			if ok {
				fmt.Fprint(w, "DELETED\r\n")
			} else {
				fmt.Fprint(w, "NOT_FOUND\r\n")
			}
		case "flush_all":
			s.mu.Lock()
			s.items = make(map[string]fakeItem)
			s.mu.Unlock()
			fmt.Fprint(w, "OK\r\n")
		default:
			fmt.Fprint(w, "ERROR\r\n")
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// live must be called with s.mu held.
func (s *fakeServer) live(k string) (fakeItem, bool) {
	it, ok := s.items[k]
	if !ok {
		return fakeItem{}, false
	}
	if !it.expireAt.IsZero() && !s.now.Before(it.expireAt) {
		delete(s.items, k)
		return fakeItem{}, false
	}
	return it, true
}

// expireAt must be called with s.mu held.
func (s *fakeServer) expireAt(exp int64) time.Time {
	switch {
	case exp == 0:
		return time.Time{}
	case exp <= int64(maxRelative/time.Second):
		return s.now.Add(time.Duration(exp) * time.Second)
	default:
		return time.Unix(exp, 0)
	}
}
