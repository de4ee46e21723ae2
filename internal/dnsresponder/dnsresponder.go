// Package dnsresponder answers DNS queries over UDP and TCP: container
// short-names against the Registry, everything else forwarded upstream.
package dnsresponder

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"glued/internal/registry"
)

const (
	localTTL     = 5
	forwardedTTL = 60
	idleTimeout  = 10 * time.Second
)

// Forwarder resolves a fully-qualified name against an upstream
// resolver. The concrete implementation is backed by net.Resolver; tests
// substitute a fake.
type Forwarder interface {
	Lookup(ctx context.Context, name string) ([]net.IP, error)
}

// ResolverForwarder is a Forwarder backed by the standard library's
// system resolver.
type ResolverForwarder struct {
	Resolver *net.Resolver
}

func (f ResolverForwarder) Lookup(ctx context.Context, name string) ([]net.IP, error) {
	resolver := f.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIP(ctx, "ip", name)
	if err != nil {
		return nil, err
	}
	return ips, nil
}

// Responder serves DNS queries with a read-only handle to the Registry.
type Responder struct {
	reg       *registry.Registry
	forwarder Forwarder
	bind      string

	udp   *dns.Server
	tcp   *dns.Server
	ready chan struct{}
}

// New creates a Responder bound to addr, consulting reg for short-names
// and fwd for anything else.
func New(addr string, reg *registry.Registry, fwd Forwarder) *Responder {
	return &Responder{reg: reg, forwarder: fwd, bind: addr, ready: make(chan struct{})}
}

// Run starts the UDP and TCP listeners and blocks until ctx is
// cancelled, then shuts both down.
func (r *Responder) Run(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.handle)

	var notifyOnce sync.Once
	notifyReady := func() { notifyOnce.Do(func() { close(r.ready) }) }

	r.udp = &dns.Server{Addr: r.bind, Net: "udp", Handler: mux, NotifyStartedFunc: notifyReady}
	r.tcp = &dns.Server{Addr: r.bind, Net: "tcp", Handler: mux, IdleTimeout: func() time.Duration { return idleTimeout }}

	errCh := make(chan error, 2)
	go func() { errCh <- r.udp.ListenAndServe() }()
	go func() { errCh <- r.tcp.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = r.udp.Shutdown()
		_ = r.tcp.Shutdown()
		return nil
	case err := <-errCh:
		_ = r.udp.Shutdown()
		_ = r.tcp.Shutdown()
		return err
	}
}

// WaitReady blocks until the UDP listener has started or timeout elapses,
// returning false in the latter case.
func (r *Responder) WaitReady(timeout time.Duration) bool {
	select {
	case <-r.ready:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Responder) handle(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.RecursionAvailable = true

	if len(req.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		_ = w.WriteMsg(m)
		return
	}

	q := req.Question[0]
	name := strings.TrimSuffix(q.Name, ".")

	if !strings.Contains(name, ".") {
		r.answerShortName(m, name, q)
	} else {
		r.answerForward(w.RemoteAddr(), m, name, q)
	}
	_ = w.WriteMsg(m)
}

func (r *Responder) answerShortName(m *dns.Msg, name string, q dns.Question) {
	value, ok := r.reg.Get(name)
	if !ok {
		m.Rcode = dns.RcodeNameError
		return
	}

	ip := net.ParseIP(value)
	if ip == nil {
		m.Rcode = dns.RcodeServerFailure
		return
	}

	if v4 := ip.To4(); v4 != nil {
		if q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: localTTL},
				A:   v4,
			})
		}
		return
	}

	if q.Qtype == dns.TypeAAAA || q.Qtype == dns.TypeANY {
		m.Answer = append(m.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: localTTL},
			AAAA: ip,
		})
	}
}

func (r *Responder) answerForward(remote net.Addr, m *dns.Msg, name string, q dns.Question) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ips, err := r.forwarder.Lookup(ctx, name)
	if err != nil {
		slog.Warn("dns forward lookup failed", "name", name, "remote", remote, "err", err)
		m.Rcode = dns.RcodeServerFailure
		return
	}

	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			if q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: forwardedTTL},
					A:   v4,
				})
			}
			continue
		}
		if q.Qtype == dns.TypeAAAA || q.Qtype == dns.TypeANY {
			m.Answer = append(m.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: forwardedTTL},
				AAAA: ip,
			})
		}
	}
}
