// Package redisstub is an in-process RESP2 server implementing the subset of
// Redis used by the room sync queue and the sync lease: streams with consumer
// groups and string keys with expiry.
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

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	certPEM  []byte

	mu      sync.Mutex
	streams map[string]*stream
	keys    map[string]*stringKey
	closed  chan struct{}
}

type stream struct {
	entries []streamEntry
	groups  map[string]*consumerGroup
	lastSeq int64
}

// trim drops the n oldest entries, keeping group cursors on the same entries.
func (st *stream) trim(n int) {
	st.entries = append([]streamEntry(nil), st.entries[n:]...)
	for _, group := range st.groups {
		group.next -= n
		if group.next < 0 {
			group.next = 0
		}
	}
}

type streamEntry struct {
	id     string
	fields []string
}

type consumerGroup struct {
	next    int
	pending map[string]struct{}
}

type stringKey struct {
	value  string
	expiry time.Time
}

func (k *stringKey) expired(now time.Time) bool {
	return !k.expiry.IsZero() && !now.Before(k.expiry)
}

type handlerFunc func(s *Server, w *bufio.Writer, args []string) error

var commands = map[string]handlerFunc{
	"XADD":       (*Server).xadd,
	"XGROUP":     (*Server).xgroup,
	"XREADGROUP": (*Server).xreadgroup,
	"XACK":       (*Server).xack,
	"SET":        (*Server).set,
	"GET":        (*Server).get,
	"DEL":        (*Server).del,
	"PTTL":       (*Server).pttl,
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:    opts,
		streams: make(map[string]*stream),
		keys:    make(map[string]*stringKey),
		closed:  make(chan struct{}),
	}
	const addr = "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, cert, certErr := selfSignedCert()
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

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
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
	return s.listener.Close()
}

// StreamLength reports how many entries were ever added to the stream.
func (s *Server) StreamLength(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strm, ok := s.streams[name]; ok {
		return len(strm.entries)
	}
	return 0
}

// PendingCount reports entries delivered to the group but not acknowledged.
func (s *Server) PendingCount(streamName, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	if g, ok := strm.groups[group]; ok {
		return len(g.pending)
	}
	return 0
}

func (s *Server) serve() {
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
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR empty command") != nil {
				return
			}
			continue
		}
		var writeErr error
		switch name := strings.ToUpper(args[0]); name {
		case "PING":
			writeErr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// Clients fall back to RESP2 when HELLO is unknown.
			writeErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			writeErr = writeSimpleString(writer, "OK")
		case "AUTH":
			if s.checkPassword(args[1:]) {
				authenticated = true
				writeErr = writeSimpleString(writer, "OK")
			} else {
				writeErr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "QUIT":
			_ = writeSimpleString(writer, "OK")
			return
		default:
			if !authenticated {
				writeErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			handler, ok := commands[name]
			if !ok {
				writeErr = writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
				break
			}
			writeErr = handler(s, writer, args)
		}
		if writeErr != nil {
			return
		}
	}
}

func (s *Server) checkPassword(args []string) bool {
	if len(args) == 0 || len(args) > 2 {
		return false
	}
	if s.opts.Password == "" {
		return true
	}
	return args[len(args)-1] == s.opts.Password
}

func (s *Server) xadd(w *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	maxLen := -1
	rest := args[2:]
	for len(rest) > 0 {
		switch strings.ToUpper(rest[0]) {
		case "NOMKSTREAM":
			rest = rest[1:]
			continue
		case "MAXLEN":
			rest = rest[1:]
			if len(rest) > 0 && (rest[0] == "~" || rest[0] == "=") {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.Atoi(rest[0])
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			maxLen = n
			rest = rest[1:]
			continue
		}
		break
	}
	if len(rest) < 3 || (len(rest)-1)%2 != 0 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	s.mu.Lock()
	strm := s.stream(args[1])
	id := rest[0]
	if id == "*" {
		strm.lastSeq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), strm.lastSeq)
	}
	strm.entries = append(strm.entries, streamEntry{id: id, fields: append([]string(nil), rest[1:]...)})
	if maxLen >= 0 && len(strm.entries) > maxLen {
		strm.trim(len(strm.entries) - maxLen)
	}
	s.mu.Unlock()
	return writeBulkString(w, id)
}

func (s *Server) xgroup(w *bufio.Writer, args []string) error {
	if len(args) < 5 || !strings.EqualFold(args[1], "CREATE") {
		return writeError(w, "ERR only XGROUP CREATE is supported")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.stream(args[2])
	if _, exists := strm.groups[args[3]]; exists {
		return writeError(w, "BUSYGROUP Consumer Group name already exists")
	}
	group := &consumerGroup{pending: make(map[string]struct{})}
	if args[4] == "$" {
		group.next = len(strm.entries)
	}
	strm.groups[args[3]] = group
	return writeSimpleString(w, "OK")
}

func (s *Server) xreadgroup(w *bufio.Writer, args []string) error {
	var (
		group, streamName string
		count             = 1
		block             = -1
	)
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			group = args[i+1]
			i += 2
		case "COUNT", "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			if strings.EqualFold(args[i], "COUNT") {
				count = v
			} else {
				block = v
			}
			i++
		case "STREAMS":
			if i+1 < len(args) {
				streamName = args[i+1]
			}
			i = len(args)
		}
	}
	if streamName == "" || group == "" {
		return writeError(w, "ERR syntax error")
	}
	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(time.Duration(block) * time.Millisecond)
	}
	for {
		records, err := s.readGroup(streamName, group, count)
		if err != nil {
			return writeError(w, err.Error())
		}
		if len(records) > 0 {
			return writeArray(w, []interface{}{[]interface{}{streamName, records}})
		}
		if block < 0 || (block > 0 && time.Now().After(deadline)) {
			return writeNilArray(w)
		}
		select {
		case <-s.closed:
			return io.EOF
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(streamName, groupName string, count int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.stream(streamName)
	group, ok := strm.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", streamName, groupName)
	}
	if count <= 0 {
		count = len(strm.entries)
	}
	var records []interface{}
	for group.next < len(strm.entries) && len(records) < count {
		entry := strm.entries[group.next]
		group.next++
		group.pending[entry.id] = struct{}{}
		fields := make([]interface{}, 0, len(entry.fields))
		for _, field := range entry.fields {
			fields = append(fields, field)
		}
		records = append(records, []interface{}{entry.id, fields})
	}
	return records, nil
}

func (s *Server) xack(w *bufio.Writer, args []string) error {
	if len(args) < 4 {
		return writeError(w, "ERR wrong number of arguments for 'xack'")
	}
	s.mu.Lock()
	acked := 0
	if strm, ok := s.streams[args[1]]; ok {
		if group, ok := strm.groups[args[2]]; ok {
			for _, id := range args[3:] {
				if _, pending := group.pending[id]; pending {
					delete(group.pending, id)
					acked++
				}
			}
		}
	}
	s.mu.Unlock()
	return writeInteger(w, int64(acked))
}

// set supports the NX, XX, EX and PX modifiers.
func (s *Server) set(w *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(w, "ERR wrong number of arguments for 'set'")
	}
	var (
		nx, xx bool
		ttl    time.Duration
	)
	for i := 3; i < len(args); i++ {
		switch opt := strings.ToUpper(args[i]); opt {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(w, "ERR invalid expire time in 'set' command")
			}
			unit := time.Millisecond
			if opt == "EX" {
				unit = time.Second
			}
			ttl = time.Duration(n) * unit
			i++
		default:
			return writeError(w, "ERR syntax error")
		}
	}

	now := time.Now()
	s.mu.Lock()
	existing, ok := s.keys[args[1]]
	if ok && existing.expired(now) {
		delete(s.keys, args[1])
		ok = false
	}
	if (nx && ok) || (xx && !ok) {
		s.mu.Unlock()
		return writeBulkNil(w)
	}
	entry := &stringKey{value: args[2]}
	if ttl > 0 {
		entry.expiry = now.Add(ttl)
	}
	s.keys[args[1]] = entry
	s.mu.Unlock()
	return writeSimpleString(w, "OK")
}

func (s *Server) get(w *bufio.Writer, args []string) error {
	if len(args) != 2 {
		return writeError(w, "ERR wrong number of arguments for 'get'")
	}
	s.mu.Lock()
	entry, ok := s.liveKey(args[1])
	s.mu.Unlock()
	if !ok {
		return writeBulkNil(w)
	}
	return writeBulkString(w, entry.value)
}

func (s *Server) del(w *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(w, "ERR wrong number of arguments for 'del'")
	}
	s.mu.Lock()
	removed := 0
	for _, key := range args[1:] {
		if _, ok := s.liveKey(key); ok {
			delete(s.keys, key)
			removed++
		}
	}
	s.mu.Unlock()
	return writeInteger(w, int64(removed))
}

func (s *Server) pttl(w *bufio.Writer, args []string) error {
	if len(args) != 2 {
		return writeError(w, "ERR wrong number of arguments for 'pttl'")
	}
	s.mu.Lock()
	entry, ok := s.liveKey(args[1])
	s.mu.Unlock()
	switch {
	case !ok:
		return writeInteger(w, -2)
	case entry.expiry.IsZero():
		return writeInteger(w, -1)
	default:
		return writeInteger(w, time.Until(entry.expiry).Milliseconds())
	}
}

// liveKey must be called with s.mu held.
func (s *Server) liveKey(key string) (*stringKey, bool) {
	entry, ok := s.keys[key]
	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		delete(s.keys, key)
		return nil, false
	}
	return entry, true
}

// stream must be called with s.mu held.
func (s *Server) stream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*consumerGroup)}
		s.streams[name] = strm
	}
	return strm
}

func selfSignedCert() ([]byte, tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
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
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}
