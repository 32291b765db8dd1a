// Package redisstub runs a minimal in-process Redis server speaking just
// enough RESP for the telemetry queue tests: stream commands (XADD, XGROUP
// CREATE, XREADGROUP, XACK) plus AUTH, PING, and SELECT, optionally behind
// TLS with a generated self-signed certificate.
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
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures the stub before Start.
type Options struct {
	Password  string
	EnableTLS bool
}

// Server is one listening stub instance. All state is in memory and is
// discarded on Close.
type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}
	certPEM  []byte
	keyPEM   []byte

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	entries []entry
	groups  map[string]*consumerGroup
}

type entry struct {
	id     string
	fields map[string]string
}

// consumerGroup tracks the delivery cursor and the unacknowledged ids for one
// XGROUP consumer group. Consumers within a group are not distinguished.
type consumerGroup struct {
	cursor  int
	pending map[string]struct{}
}

// Start listens on a random loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	s := &Server{
		opts:    opts,
		streams: make(map[string]*stream),
		closed:  make(chan struct{}),
	}
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		cert, certPEM, keyPEM, certErr := selfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		s.certPEM = certPEM
		s.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	go s.acceptLoop()
	return s, nil
}

// Addr returns the host:port the stub listens on.
func (s *Server) Addr() string { return s.addr }

// CertPEM returns the PEM-encoded certificate when TLS is enabled.
func (s *Server) CertPEM() []byte { return s.certPEM }

// KeyPEM returns the PEM-encoded private key when TLS is enabled.
func (s *Server) KeyPEM() []byte { return s.keyPEM }

// Close stops the listener. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
		close(s.closed)
	}
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	authed := s.opts.Password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(w, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var ok bool
		switch strings.ToUpper(args[0]) {
		case "PING":
			ok = writeSimple(w, "PONG") == nil
		case "SELECT":
			ok = writeSimple(w, "OK") == nil
		case "HELLO":
			// go-redis opens every connection with HELLO and falls back to
			// RESP2 when the reply is a RESP error. Closing the connection
			// instead would fail the handshake outright.
			ok = writeError(w, "ERR unknown command 'HELLO'") == nil
		case "CLIENT":
			ok = writeSimple(w, "OK") == nil
		case "AUTH":
			authed, ok = s.handleAuth(w, args)
		default:
			if !authed {
				ok = writeError(w, "NOAUTH Authentication required.") == nil
				break
			}
			ok = s.handleCommand(w, args)
		}
		if !ok {
			return
		}
	}
}

// handleAuth accepts both the two-argument and the username-qualified
// three-argument forms. It reports the new auth state and whether the
// connection should stay open.
func (s *Server) handleAuth(w *bufio.Writer, args []string) (bool, bool) {
	var supplied string
	switch len(args) {
	case 2:
		supplied = args[1]
	case 3:
		supplied = args[2]
	default:
		return false, writeError(w, "ERR wrong number of arguments for 'auth'") == nil
	}
	if s.opts.Password == "" || supplied == s.opts.Password {
		return true, writeSimple(w, "OK") == nil
	}
	return false, writeError(w, "WRONGPASS invalid username-password pair") == nil
}

func (s *Server) handleCommand(w *bufio.Writer, args []string) bool {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.xadd(w, args)
	case "XGROUP":
		return s.xgroup(w, args)
	case "XREADGROUP":
		return s.xreadgroup(w, args)
	case "XACK":
		return s.xack(w, args)
	default:
		// Unrecognized commands get an error reply, not a dropped
		// connection; clients probe for capabilities they can live without.
		return writeError(w, "ERR unsupported command") == nil
	}
}

func (s *Server) xadd(w *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'") == nil
	}
	id := args[2]
	if id == "*" {
		id = fmt.Sprintf("%d-0", time.Now().UnixNano())
	}
	fields := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		fields[args[i]] = args[i+1]
	}
	s.mu.Lock()
	strm := s.stream(args[1])
	strm.entries = append(strm.entries, entry{id: id, fields: fields})
	s.mu.Unlock()
	return writeBulk(w, id) == nil
}

func (s *Server) xgroup(w *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		return writeError(w, "ERR wrong number of arguments for 'xgroup'") == nil
	}
	if strings.ToUpper(args[1]) != "CREATE" {
		return writeError(w, "ERR only CREATE supported") == nil
	}
	name, group := args[2], args[3]
	s.mu.Lock()
	strm := s.stream(name)
	if _, exists := strm.groups[group]; exists {
		s.mu.Unlock()
		return writeError(w, "BUSYGROUP Consumer Group name already exists") == nil
	}
	strm.groups[group] = &consumerGroup{pending: make(map[string]struct{})}
	s.mu.Unlock()
	return writeSimple(w, "OK") == nil
}

func (s *Server) xreadgroup(w *bufio.Writer, args []string) bool {
	if len(args) < 6 {
		return writeError(w, "ERR wrong number of arguments for 'xreadgroup'") == nil
	}
	var group, name string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error") == nil
			}
			group = args[i+1]
			i += 2 // consumer name is ignored
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error") == nil
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR invalid COUNT") == nil
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error") == nil
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR invalid BLOCK") == nil
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error") == nil
			}
			name = args[i+1]
			i = len(args)
		}
	}
	if name == "" || group == "" {
		return writeError(w, "ERR missing stream or group") == nil
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		if reply := s.deliver(name, group, count); reply != nil {
			return writeArray(w, []interface{}{reply}) == nil
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeNil(w) == nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (s *Server) xack(w *bufio.Writer, args []string) bool {
	if len(args) < 4 {
		return writeError(w, "ERR wrong number of arguments for 'xack'") == nil
	}
	s.mu.Lock()
	acked := 0
	if strm, ok := s.streams[args[1]]; ok {
		if g, ok := strm.groups[args[2]]; ok {
			for _, id := range args[3:] {
				if _, pending := g.pending[id]; pending {
					delete(g.pending, id)
					acked++
				}
			}
		}
	}
	s.mu.Unlock()
	return writeInteger(w, int64(acked)) == nil
}

// deliver advances the group's cursor by up to count entries and marks them
// pending, returning the RESP reply structure for one stream or nil when
// nothing new exists.
func (s *Server) deliver(name, group string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.stream(name)
	g, ok := strm.groups[group]
	if !ok {
		g = &consumerGroup{pending: make(map[string]struct{})}
		strm.groups[group] = g
	}
	if g.cursor >= len(strm.entries) {
		return nil
	}
	end := g.cursor + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-g.cursor)
	for _, e := range strm.entries[g.cursor:end] {
		g.pending[e.id] = struct{}{}
		flat := make([]interface{}, 0, len(e.fields)*2)
		for k, v := range e.fields {
			flat = append(flat, k, v)
		}
		records = append(records, []interface{}{e.id, flat})
	}
	g.cursor = end
	return []interface{}{name, records}
}

// stream returns the named stream, creating it on first use. Callers hold mu.
func (s *Server) stream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*consumerGroup)}
		s.streams[name] = strm
	}
	return strm
}

func selfSignedCert() (tls.Certificate, []byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
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
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	return cert, certPEM, keyPEM, nil
}

// readCommand reads one RESP command array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		arg, err := readBulk(r)
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

func readBulk(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", nil
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func writeSimple(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	if err := writeBulkRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
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

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if err := writeBulkRaw(w, v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			if err := writeBulkRaw(w, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return nil
}
