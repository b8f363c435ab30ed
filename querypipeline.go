package rdns

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// Defines how long Resolve waits for a forwarded query's asynchronous
// response before giving up.
const defaultQueryTimeout = 2 * time.Second

// PipelineOptions wires together the components a Pipeline drives for
// every query. The classification rules, pools and upstream registry
// themselves live in the ConfigStore's snapshot, not here, so a config
// reload takes effect without rebuilding the pipeline.
type PipelineOptions struct {
	Store        *ConfigStore
	AccessLog    *AccessLogger // nil disables access logging
	TopN         *TopN         // nil disables the top-N query/rcode tables
	QueryTimeout time.Duration
}

// Pipeline implements the query classification pipeline (C8): the
// per-query state machine described in the design documentation as
//
//	Received → Parsed → AclChecked → {RateLimited | Classified}
//	Classified → CacheProbed → {CacheHit→Emit | CacheMiss→PoolSelected}
//	PoolSelected → UpstreamChosen → {SlotAllocated→Forwarded | NoUpstream→Drop}
//	Forwarded → … Response → Correlated → Cached → EmitToClient
//
// It implements Resolver so it can sit behind either transport's
// listener (dnslistener.go) exactly like any other resolver in the
// chain; the transport only has to own the socket, not the
// classification logic.
type Pipeline struct {
	id      string
	opt     PipelineOptions
	metrics *ListenerMetrics
}

var _ Resolver = &Pipeline{}

// NewPipeline returns a pipeline using opt. Parsing already happened by
// the time Resolve is called (q is the unpacked query); only the
// access-control / cache / pool / forward decisions live here.
func NewPipeline(id string, opt PipelineOptions) *Pipeline {
	if opt.QueryTimeout == 0 {
		opt.QueryTimeout = defaultQueryTimeout
	}
	return &Pipeline{
		id:      id,
		opt:     opt,
		metrics: NewListenerMetrics("pipeline", id),
	}
}

// Resolve drives q through the classification pipeline: ACL, cache,
// pool assignment, action rules, upstream selection, and (on a cache
// miss) forwarding to the chosen upstream. A nil, nil return means the
// query was silently dropped (ACL reject, rate limit, no upstream) and
// the caller should close the connection without answering.
func (p *Pipeline) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	p.metrics.query.Add(1)
	log := logger(p.id, q, ci)

	cfg := p.opt.Store.Load()

	if cfg.ACL != nil {
		if terminal, _, matched := cfg.ACL.Evaluate(q, ci); matched && terminal.Kind == ActionDrop {
			p.drop(dropACLReject)
			return nil, nil
		}
	}

	if cfg.Cache != nil {
		if resp, hit := cfg.Cache.Lookup(q, false); hit {
			log.Debug("cache hit")
			p.logAccess(q, ci, resp, true, "")
			return resp, nil
		}
	}

	pool := cfg.DefaultPool
	if cfg.PoolRules != nil {
		if terminal, _, matched := cfg.PoolRules.Evaluate(q, ci); matched && terminal.Kind == ActionPool {
			pool = terminal.Pool
		}
	}

	var setRCode *int
	var setTruncated bool
	if cfg.ActionRules != nil {
		terminal, nonTerminal, matched := cfg.ActionRules.Evaluate(q, ci)
		if matched && terminal.Kind == ActionDrop {
			if terminal.RateLimited {
				p.drop(dropRateLimited)
			} else {
				p.drop(dropRuleAction)
			}
			return nil, nil
		}
		for _, a := range nonTerminal {
			switch a.Kind {
			case ActionSetRCode:
				rc := a.RCode
				setRCode = &rc
			case ActionSetTruncated:
				setTruncated = true
			}
		}
	}

	if cfg.Cache != nil {
		if resp, hit := cfg.Cache.Lookup(q, false); hit {
			log.Debug("cache hit")
			p.logAccess(q, ci, resp, true, "")
			return resp, nil
		}
	}

	candidates := cfg.Registry.PoolCandidates(pool)
	upstream := cfg.Policy.Select(candidates)
	if upstream == nil {
		p.drop(dropNoUpstream)
		return nil, nil
	}

	scopeECS := cfg.Cache != nil && cfg.Cache.scopeECS
	fp := fingerprint(q, scopeECS)

	respCh := make(chan *dns.Msg, 1)
	respond := func(resp *dns.Msg) {
		if setRCode != nil {
			resp.Rcode = *setRCode
		}
		if setTruncated {
			resp.Truncated = true
		}
		if cfg.Cache != nil {
			cfg.Cache.Insert(q, resp)
		}
		respCh <- resp
	}

	if err := upstream.Send(q, fp, respond); err != nil {
		p.drop(dropSendFail)
		return nil, err
	}

	timer := time.NewTimer(p.opt.QueryTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		p.logAccess(q, ci, resp, false, upstream.String())
		return resp, nil
	case <-timer.C:
		p.metrics.err.Add("query_timeout", 1)
		return nil, QueryTimeoutError{q}
	}
}

func (p *Pipeline) logAccess(q *dns.Msg, ci ClientInfo, resp *dns.Msg, cacheHit bool, upstream string) {
	if p.opt.TopN != nil && len(q.Question) > 0 {
		p.opt.TopN.Observe(q.Question[0].Name, rCode(resp))
	}
	if p.opt.AccessLog == nil {
		return
	}
	p.opt.AccessLog.Log(q, ci, rCode(resp), cacheHit, upstream)
}

func (p *Pipeline) drop(reason dropReason) {
	p.metrics.drop.Add(1)
	p.metrics.err.Add(string(reason), 1)
}

func (p *Pipeline) String() string {
	return p.id
}

// ServeUDP is the raw fast path: it reads datagrams directly off conn
// rather than going through a generic dns.Server, and a malformed
// packet is rejected by parseQuestion (C1) and counted as a parse-error
// drop before Resolve is called. Each datagram is classified on its own goroutine so a slow
// upstream round trip for one client never stalls another's.
func (p *Pipeline) ServeUDP(conn *net.UDPConn) error {
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		datagram := append([]byte(nil), buf[:n]...)
		go p.handleUDP(datagram, addr, conn)
	}
}

func (p *Pipeline) handleUDP(datagram []byte, clientAddr *net.UDPAddr, conn *net.UDPConn) {
	if _, _, _, _, err := parseQuestion(datagram); err != nil {
		p.drop(dropParseError)
		return
	}
	q := new(dns.Msg)
	if err := q.Unpack(datagram); err != nil {
		p.drop(dropParseError)
		return
	}

	ci := ClientInfo{SourceIP: clientAddr.IP, Listener: p.id, Protocol: "udp"}
	resp, err := p.Resolve(q, ci)
	if err != nil {
		resp = servfail(q)
	}
	if resp == nil {
		return // dropped
	}

	maxSize := dns.MinMsgSize
	if edns0 := q.IsEdns0(); edns0 != nil {
		maxSize = int(edns0.UDPSize())
	}
	resp.Truncate(maxSize)

	wire, err := resp.Pack()
	if err != nil {
		p.metrics.err.Add("pack", 1)
		return
	}
	if _, err := conn.WriteToUDP(wire, clientAddr); err != nil {
		p.metrics.err.Add("write", 1)
	}
}
