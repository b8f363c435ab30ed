package rdns

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// defaultProbeQName is queried against each Auto upstream to establish
// liveness; it's a well-known root server name unlikely to ever be
// absent from a functioning resolver's answer.
const defaultProbeQName = "a.root-servers.net."

// HealthProber runs a single background goroutine that periodically
// probes every upstream whose availability is Auto, updating its
// up_status. Upstreams pinned Up or Down are left alone; IsUp()
// honors the pinned state directly.
type HealthProber struct {
	registry *UpstreamRegistry
	interval time.Duration
	qname    string
	timeout  time.Duration

	stop chan struct{}
}

// NewHealthProber returns a prober for registry, checking every interval.
func NewHealthProber(registry *UpstreamRegistry, interval time.Duration) *HealthProber {
	return &HealthProber{
		registry: registry,
		interval: interval,
		qname:    defaultProbeQName,
		timeout:  time.Second,
		stop:     make(chan struct{}),
	}
}

// Start runs the probe loop until Stop is called. It's meant to be run
// in its own goroutine.
func (h *HealthProber) Start() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.probeAll()
		case <-h.stop:
			return
		}
	}
}

// Stop ends the probe loop.
func (h *HealthProber) Stop() {
	close(h.stop)
}

func (h *HealthProber) probeAll() {
	for _, u := range h.registry.Snapshot() {
		if u.availability != AvailabilityAuto {
			continue
		}
		go h.probeOne(u)
	}
}

func (h *HealthProber) probeOne(u *Upstream) {
	q := new(dns.Msg)
	q.SetQuestion(h.qname, dns.TypeA)

	conn, err := net.DialTimeout("udp", u.ProbeAddr().String(), h.timeout)
	if err != nil {
		u.SetUpStatus(false)
		return
	}
	defer conn.Close()

	wire, err := q.Pack()
	if err != nil {
		u.SetUpStatus(false)
		return
	}
	_ = conn.SetDeadline(time.Now().Add(h.timeout))
	if _, err := conn.Write(wire); err != nil {
		u.SetUpStatus(false)
		return
	}

	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	if err != nil {
		u.SetUpStatus(false)
		return
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		u.SetUpStatus(false)
		return
	}

	u.SetUpStatus(resp.Rcode == dns.RcodeSuccess || resp.Rcode == dns.RcodeNameError)
}
