// Package redisstub is a small in-process RESP server covering the commands
// the status store and restart event sink issue. It is not a Redis.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	streams  map[string][]StreamEntry
	seq      int64
	failing  bool
	closed   chan struct{}
	certPEM  []byte
}

// StreamEntry is one XADD payload.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:    opts,
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		streams: make(map[string][]StreamEntry),
		closed:  make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// SetFailing makes every data command reply with an error until reset.
func (s *Server) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// Stream returns a copy of the entries appended to name.
func (s *Server) Stream(name string) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamEntry, len(s.streams[name]))
	copy(out, s.streams[name])
	return out
}

// Hash returns a copy of the hash stored at key, or nil.
func (s *Server) Hash(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP2 only; clients fall back to AUTH.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			werr = writeSimpleString(writer, "OK")
		case "AUTH":
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
				break
			}
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return writeError(w, "LOADING stub is failing")
	}
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return writeError(w, "ERR wrong number of arguments for 'hset'")
		}
		s.mu.Lock()
		h, ok := s.hashes[args[1]]
		if !ok {
			h = make(map[string]string)
			s.hashes[args[1]] = h
		}
		added := 0
		for i := 2; i+1 < len(args); i += 2 {
			if _, exists := h[args[i]]; !exists {
				added++
			}
			h[args[i]] = args[i+1]
		}
		s.mu.Unlock()
		return writeInteger(w, int64(added))
	case "HGETALL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'hgetall'")
		}
		s.mu.Lock()
		h := s.hashes[args[1]]
		keys := make([]string, 0, len(h))
		for k := range h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(h)*2)
		for _, k := range keys {
			out = append(out, k, h[k])
		}
		s.mu.Unlock()
		return writeArray(w, out)
	case "DEL":
		if len(args) < 2 {
			return writeError(w, "ERR wrong number of arguments for 'del'")
		}
		removed := 0
		s.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.hashes[key]; ok {
				delete(s.hashes, key)
				removed++
			}
			if _, ok := s.sets[key]; ok {
				delete(s.sets, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(w, int64(removed))
	case "SADD", "SREM":
		if len(args) < 3 {
			return writeError(w, fmt.Sprintf("ERR wrong number of arguments for '%s'", strings.ToLower(cmd)))
		}
		changed := 0
		s.mu.Lock()
		set, ok := s.sets[args[1]]
		if !ok {
			set = make(map[string]struct{})
			s.sets[args[1]] = set
		}
		for _, member := range args[2:] {
			_, exists := set[member]
			if cmd == "SADD" && !exists {
				set[member] = struct{}{}
				changed++
			}
			if cmd == "SREM" && exists {
				delete(set, member)
				changed++
			}
		}
		s.mu.Unlock()
		return writeInteger(w, int64(changed))
	case "SMEMBERS":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'smembers'")
		}
		s.mu.Lock()
		members := make([]string, 0, len(s.sets[args[1]]))
		for m := range s.sets[args[1]] {
			members = append(members, m)
		}
		s.mu.Unlock()
		sort.Strings(members)
		out := make([]interface{}, len(members))
		for i, m := range members {
			out[i] = m
		}
		return writeArray(w, out)
	case "XADD":
		if len(args) < 5 {
			return writeError(w, "ERR wrong number of arguments for 'xadd'")
		}
		idx := 2
		if strings.ToUpper(args[idx]) == "MAXLEN" {
			idx += 2
			if idx < len(args) && (args[idx-1] == "~" || args[idx-1] == "=") {
				idx++
			}
		}
		if idx >= len(args) {
			return writeError(w, "ERR syntax error")
		}
		values := make(map[string]string)
		for i := idx + 1; i+1 < len(args); i += 2 {
			values[args[i]] = args[i+1]
		}
		s.mu.Lock()
		s.seq++
		id := args[idx]
		if id == "*" {
			id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
		}
		s.streams[args[1]] = append(s.streams[args[1]], StreamEntry{ID: id, Values: values})
		s.mu.Unlock()
		return writeBulkString(w, id)
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func generateSelfSignedCert() ([]byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		s := fmt.Sprint(value)
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
