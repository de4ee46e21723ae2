package dnsresponder

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"

	"glued/internal/registry"
	"glued/internal/update"
)

type fakeForwarder struct {
	ips []net.IP
	err error
}

func (f fakeForwarder) Lookup(ctx context.Context, name string) ([]net.IP, error) {
	return f.ips, f.err
}

type fakeWriter struct {
	msg *dns.Msg
}

func (w *fakeWriter) LocalAddr() net.Addr         { return &net.UDPAddr{} }
func (w *fakeWriter) RemoteAddr() net.Addr        { return &net.UDPAddr{} }
func (w *fakeWriter) WriteMsg(m *dns.Msg) error   { w.msg = m; return nil }
func (w *fakeWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *fakeWriter) Close() error                { return nil }
func (w *fakeWriter) TsigStatus() error           { return nil }
func (w *fakeWriter) TsigTimersOnly(bool)         {}
func (w *fakeWriter) Hijack()                     {}

func query(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func TestShortNameHitReturnsA(t *testing.T) {
	reg := registry.New()
	reg.Apply(update.Add("web", "10.0.0.7"))
	r := New("", reg, fakeForwarder{})

	w := &fakeWriter{}
	r.handle(w, query("web", dns.TypeA))

	if w.msg.Rcode != dns.RcodeSuccess {
		t.Fatalf("Rcode = %v, want success", w.msg.Rcode)
	}
	if len(w.msg.Answer) != 1 {
		t.Fatalf("answers = %d, want 1", len(w.msg.Answer))
	}
	a, ok := w.msg.Answer[0].(*dns.A)
	if !ok || a.A.String() != "10.0.0.7" {
		t.Fatalf("answer = %+v, want A 10.0.0.7", w.msg.Answer[0])
	}
	if a.Hdr.Ttl != localTTL {
		t.Fatalf("Ttl = %d, want %d", a.Hdr.Ttl, localTTL)
	}
	if !w.msg.RecursionAvailable {
		t.Fatal("RecursionAvailable = false, want true")
	}
}

func TestShortNameWrongQtypeReturnsNoerrorNoAnswers(t *testing.T) {
	reg := registry.New()
	reg.Apply(update.Add("web", "10.0.0.7"))
	r := New("", reg, fakeForwarder{})

	w := &fakeWriter{}
	r.handle(w, query("web", dns.TypeAAAA))

	if w.msg.Rcode != dns.RcodeSuccess {
		t.Fatalf("Rcode = %v, want success", w.msg.Rcode)
	}
	if len(w.msg.Answer) != 0 {
		t.Fatalf("answers = %d, want 0", len(w.msg.Answer))
	}
}

func TestShortNameIPv6Hit(t *testing.T) {
	reg := registry.New()
	reg.Apply(update.Add("web", "fe80::1"))
	r := New("", reg, fakeForwarder{})

	w := &fakeWriter{}
	r.handle(w, query("web", dns.TypeAAAA))

	if len(w.msg.Answer) != 1 {
		t.Fatalf("answers = %d, want 1", len(w.msg.Answer))
	}
	aaaa, ok := w.msg.Answer[0].(*dns.AAAA)
	if !ok || aaaa.AAAA.String() != "fe80::1" {
		t.Fatalf("answer = %+v, want AAAA fe80::1", w.msg.Answer[0])
	}
}

func TestShortNameMalformedValueReturnsServfail(t *testing.T) {
	reg := registry.New()
	reg.Apply(update.Update{Kind: update.KindAdd, Name: "broken", IP: "not-an-ip"})
	r := New("", reg, fakeForwarder{})

	w := &fakeWriter{}
	r.handle(w, query("broken", dns.TypeA))

	if w.msg.Rcode != dns.RcodeServerFailure {
		t.Fatalf("Rcode = %v, want SERVFAIL", w.msg.Rcode)
	}
}

func TestShortNameMissReturnsNxdomain(t *testing.T) {
	reg := registry.New()
	r := New("", reg, fakeForwarder{})

	w := &fakeWriter{}
	r.handle(w, query("ghost", dns.TypeA))

	if w.msg.Rcode != dns.RcodeNameError {
		t.Fatalf("Rcode = %v, want NXDOMAIN", w.msg.Rcode)
	}
}

func TestDottedNameForwardsAndNeverConsultsRegistry(t *testing.T) {
	reg := registry.New()
	reg.Apply(update.Add("example", "9.9.9.9")) // short-name that collides with the forwarded label
	r := New("", reg, fakeForwarder{ips: []net.IP{net.ParseIP("93.184.216.34")}})

	w := &fakeWriter{}
	r.handle(w, query("example.com", dns.TypeA))

	if w.msg.Rcode != dns.RcodeSuccess {
		t.Fatalf("Rcode = %v, want success", w.msg.Rcode)
	}
	if len(w.msg.Answer) != 1 {
		t.Fatalf("answers = %d, want 1", len(w.msg.Answer))
	}
	a := w.msg.Answer[0].(*dns.A)
	if a.A.String() != "93.184.216.34" {
		t.Fatalf("answer = %v, want forwarded address, not registry hit", a.A)
	}
	if a.Hdr.Ttl != forwardedTTL {
		t.Fatalf("Ttl = %d, want %d", a.Hdr.Ttl, forwardedTTL)
	}
}

func TestForwardErrorReturnsServfail(t *testing.T) {
	reg := registry.New()
	r := New("", reg, fakeForwarder{err: context.DeadlineExceeded})

	w := &fakeWriter{}
	r.handle(w, query("example.com", dns.TypeA))

	if w.msg.Rcode != dns.RcodeServerFailure {
		t.Fatalf("Rcode = %v, want SERVFAIL", w.msg.Rcode)
	}
}

func TestForwardNoAddressesReturnsNoerrorNoAnswers(t *testing.T) {
	reg := registry.New()
	r := New("", reg, fakeForwarder{})

	w := &fakeWriter{}
	r.handle(w, query("example.com", dns.TypeA))

	if w.msg.Rcode != dns.RcodeSuccess {
		t.Fatalf("Rcode = %v, want success", w.msg.Rcode)
	}
	if len(w.msg.Answer) != 0 {
		t.Fatalf("answers = %d, want 0", len(w.msg.Answer))
	}
}
