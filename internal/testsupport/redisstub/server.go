// Package redisstub implements just enough of the Redis protocol to back the
// set-based room store and the pub/sub broadcast queue in tests without a
// real Redis server.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
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
	sets     map[string]map[string]struct{}
	subs     map[*subscriber]struct{}
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type subscriber struct {
	mu       sync.Mutex
	writer   *bufio.Writer
	channels map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[*subscriber]struct{}),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
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

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// SetMembers returns a copy of the set stored at key, for assertions.
func (s *Server) SetMembers(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.sets[key]))
	for member := range s.sets[key] {
		members = append(members, member)
	}
	return members
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
	var sub *subscriber
	defer func() {
		if sub != nil {
			s.dropSubscriber(sub)
		}
	}()
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			var err error
			if sub != nil {
				// Subscriber connections get PONG as a push message.
				sub.mu.Lock()
				err = writeArray(writer, []interface{}{"pong", ""})
				sub.mu.Unlock()
			} else {
				err = writeSimpleString(writer, "PONG")
			}
			if err != nil {
				return
			}
		case "AUTH":
			ok := false
			switch len(args) {
			case 2:
				ok = s.opts.Password == "" || args[1] == s.opts.Password
			case 3:
				ok = s.opts.Password != "" && args[2] == s.opts.Password
			default:
				if err := writeError(writer, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
				continue
			}
			if ok {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
			} else if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		case "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "HELLO":
			// Only RESP2 is spoken here; clients fall back on this error.
			if err := writeError(writer, "ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "CLIENT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "SUBSCRIBE":
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if len(args) < 2 {
				if err := writeError(writer, "ERR wrong number of arguments for 'subscribe'"); err != nil {
					return
				}
				continue
			}
			if sub == nil {
				sub = &subscriber{writer: writer, channels: make(map[string]struct{})}
				s.mu.Lock()
				s.subs[sub] = struct{}{}
				s.mu.Unlock()
			}
			for _, channel := range args[1:] {
				sub.mu.Lock()
				sub.channels[channel] = struct{}{}
				count := int64(len(sub.channels))
				err := writeArray(writer, []interface{}{"subscribe", channel, count})
				sub.mu.Unlock()
				if err != nil {
					return
				}
			}
		case "UNSUBSCRIBE":
			if sub == nil {
				if err := writeError(writer, "ERR not in subscribe mode"); err != nil {
					return
				}
				continue
			}
			channels := args[1:]
			if len(channels) == 0 {
				sub.mu.Lock()
				for channel := range sub.channels {
					channels = append(channels, channel)
				}
				sub.mu.Unlock()
			}
			for _, channel := range channels {
				sub.mu.Lock()
				delete(sub.channels, channel)
				count := int64(len(sub.channels))
				err := writeArray(writer, []interface{}{"unsubscribe", channel, count})
				sub.mu.Unlock()
				if err != nil {
					return
				}
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, cmd, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) bool {
	switch cmd {
	case "SADD":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'sadd'") == nil
		}
		added := s.sadd(args[1], args[2:])
		return writeInteger(writer, added) == nil
	case "SREM":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'srem'") == nil
		}
		removed := s.srem(args[1], args[2:])
		return writeInteger(writer, removed) == nil
	case "SCARD":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'scard'") == nil
		}
		s.mu.Lock()
		size := int64(len(s.sets[args[1]]))
		s.mu.Unlock()
		return writeInteger(writer, size) == nil
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'") == nil
		}
		deleted := int64(0)
		s.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.sets[key]; ok {
				delete(s.sets, key)
				deleted++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, deleted) == nil
	case "PUBLISH":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'publish'") == nil
		}
		receivers := s.publish(args[1], args[2])
		return writeInteger(writer, receivers) == nil
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", cmd)) == nil
	}
}

func (s *Server) sadd(key string, members []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	added := int64(0)
	for _, member := range members {
		if _, exists := set[member]; !exists {
			set[member] = struct{}{}
			added++
		}
	}
	return added
}

func (s *Server) srem(key string, members []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return 0
	}
	removed := int64(0)
	for _, member := range members {
		if _, exists := set[member]; exists {
			delete(set, member)
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return removed
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	receivers := int64(0)
	for _, sub := range targets {
		sub.mu.Lock()
		if _, ok := sub.channels[channel]; ok {
			if err := writeArray(sub.writer, []interface{}{"message", channel, payload}); err == nil {
				receivers++
			}
		}
		sub.mu.Unlock()
	}
	return receivers
}

func (s *Server) dropSubscriber(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}
