// Package resolver implements the authoritative query pipeline: parse and
// validate the incoming message, find the deepest configured zone for
// QNAME, classify the name against that zone's tree, and assemble a
// response packet with the required DNSSEC proofs, following a
// parse/validate/lookup/classify/assemble pipeline shape reworked from
// recursive resolution into authoritative classification.
package resolver

import (
	"errors"

	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/ndb"
)

var (
	errMaxDepth      = errors.New("resolver: maximum CNAME chain depth exceeded")
	errLoopDetection = errors.New("resolver: CNAME loop detected")
)

// Resolver answers queries against a fixed NDB snapshot. A Resolver is
// immutable after construction; concurrent Resolve calls are safe.
type Resolver struct {
	db            *ndb.DB
	maxCNAMEDepth int
}

// New returns a Resolver serving db, chasing at most maxCNAMEDepth CNAMEs
// within a single zone before giving up.
func New(db *ndb.DB, maxCNAMEDepth int) *Resolver {
	if maxCNAMEDepth <= 0 {
		maxCNAMEDepth = 8
	}
	return &Resolver{db: db, maxCNAMEDepth: maxCNAMEDepth}
}

// Resolve runs the full pipeline for a UDP query: header and question
// validation, zone lookup, classification, and section assembly. The
// returned message always has QR=1 and, on success, AA=1.
func (r *Resolver) Resolve(req *dns.Msg) *dns.Msg {
	return r.ResolveTransport(req, false)
}

// ResolveTransport is Resolve with the transport made explicit: a TCP
// query's response is sized against the full 64KiB message limit instead
// of the EDNS-negotiated UDP budget.
func (r *Resolver) ResolveTransport(req *dns.Msg, tcp bool) *dns.Msg {
	if rc, ok := r.validate(req); !ok {
		return r.errorReply(req, rc)
	}

	q := req.Question[0]
	qname, err := dname.Parse(q.Name)
	if err != nil {
		return r.errorReply(req, dns.RcodeFormatError)
	}

	zone := r.db.ZoneForQName(qname)
	if zone == nil {
		return r.errorReply(req, dns.RcodeRefused)
	}
	if !zone.Loaded() {
		return r.errorReply(req, dns.RcodeRefused)
	}
	if zone.Expired() {
		// The zone outlived its expire window without a successful
		// transfer; its data can no longer be vouched for.
		return r.errorReply(req, dns.RcodeServerFailure)
	}

	do := isDNSSECRequested(req)

	asm := newAssembler(r.db, zone, do)
	rcode := r.answer(asm, qname, q.Qtype)

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.Rcode = rcode
	asm.fill(resp)
	r.negotiateSize(req, resp, tcp)
	return resp
}

// validate rejects anything that isn't a single-question standard query
// for a supported class, with empty non-question sections.
func (r *Resolver) validate(req *dns.Msg) (int, bool) {
	if req.Response {
		return 0, false
	}
	if req.Opcode != dns.OpcodeQuery {
		return dns.RcodeNotImplemented, false
	}
	if len(req.Question) != 1 {
		return dns.RcodeFormatError, false
	}
	if len(req.Answer) != 0 || len(req.Ns) != 0 || len(nonOPT(req.Extra)) != 0 {
		return dns.RcodeFormatError, false
	}
	q := req.Question[0]
	if q.Qclass != dns.ClassINET && q.Qclass != dns.ClassANY {
		return dns.RcodeRefused, false
	}
	if q.Qtype == dns.TypeAXFR || q.Qtype == dns.TypeIXFR {
		// Over UDP these are always refused; TCP zone transfer is handled
		// by the xfr package's own listener, outside this pipeline.
		return dns.RcodeRefused, false
	}
	return 0, true
}

func (r *Resolver) errorReply(req *dns.Msg, rcode int) *dns.Msg {
	resp := new(dns.Msg)
	if req.Response {
		resp.Id = req.Id
		resp.Rcode = rcode
		return resp
	}
	resp.SetRcode(req, rcode)
	return resp
}

// negotiateSize applies the transport's size budget by letting
// dns.Msg.Truncate do the RFC-mandated section trimming once we've told
// it the negotiated budget: EDNS bufsize (or 512) over UDP, the full
// 64KiB message limit over TCP.
func (r *Resolver) negotiateSize(req, resp *dns.Msg, tcp bool) {
	budget := dns.MinMsgSize
	if opt := req.IsEdns0(); opt != nil {
		if sz := int(opt.UDPSize()); sz > budget {
			budget = sz
		}
		resp.SetEdns0(opt.UDPSize(), opt.Do())
	}
	if tcp {
		budget = dns.MaxMsgSize
	}
	resp.Truncate(budget)
}

func nonOPT(rrs []dns.RR) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if rr.Header().Rrtype != dns.TypeOPT {
			out = append(out, rr)
		}
	}
	return out
}

func isDNSSECRequested(req *dns.Msg) bool {
	opt := req.IsEdns0()
	return opt != nil && opt.Do()
}
