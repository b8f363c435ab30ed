package rdns

import (
	"expvar"
	"fmt"
	"os"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// LogFormat selects the encoding used for access log lines.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// logEntry is one queued access-log record.
type logEntry struct {
	q        *dns.Msg
	ci       ClientInfo
	rcode    string
	cacheHit bool
	upstream string
}

// AccessLogger emits one structured line per completed query, independent
// of the package-wide operational Log. It's wired into the query
// pipeline (C8) as the last step before a response is handed back to
// the client, recording the outcome of the whole Received→EmitToClient
// state machine rather than any single component's view of it.
//
// When QueueSize is set, Log hands the entry to a bounded channel
// drained by a single worker goroutine instead of writing inline, so a
// stalled output (a remote collector, a full disk) never blocks the
// query pipeline. This mirrors dnsdist's RemoteLogger
// (original_source/pdns/dnsdist-remotelogger.hh): a std::queue guarded
// by a condition_variable, capped at maxQueuedEntries, drained by a
// worker thread, with entries silently dropped once the queue is
// full. A buffered channel plus a non-blocking send is the Go
// equivalent of that bounded-queue-with-drop behavior.
type AccessLogger struct {
	logger *logrus.Logger

	queue   chan logEntry
	dropped *expvar.Int
	done    chan struct{}
}

// AccessLogOptions configures an AccessLogger.
type AccessLogOptions struct {
	// OutputFile to append to; STDOUT if empty.
	OutputFile string
	// OutputFormat, text or json; defaults to text.
	OutputFormat LogFormat
	// QueueSize, if non-zero, makes logging asynchronous: entries are
	// queued on a bounded channel of this capacity and written by a
	// background worker. Once the queue is full, further entries are
	// dropped rather than blocking the caller. Zero means synchronous
	// logging (the default, and the teacher's original behavior).
	QueueSize int
}

// NewAccessLogger returns a logger writing one line per query to the
// configured output.
func NewAccessLogger(opt AccessLogOptions) (*AccessLogger, error) {
	w := os.Stdout
	if opt.OutputFile != "" {
		f, err := os.OpenFile(opt.OutputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		w = f
	}

	l := logrus.New()
	l.SetOutput(w)
	switch opt.OutputFormat {
	case "", LogFormatText:
		l.SetFormatter(&logrus.TextFormatter{})
	case LogFormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid access log format %q", opt.OutputFormat)
	}

	a := &AccessLogger{logger: l}
	if opt.QueueSize > 0 {
		a.queue = make(chan logEntry, opt.QueueSize)
		a.dropped = getVarInt("accesslog", "queue", "dropped")
		a.done = make(chan struct{})
		go a.worker()
	}
	return a, nil
}

// Log records the outcome of one query: the client, the question, the
// response code (or "dropped"), whether it was served from cache, and
// which upstream (if any) answered it. If the logger was built with a
// QueueSize, Log never blocks: it either queues the entry or, if the
// queue is full, drops it and counts the drop.
func (a *AccessLogger) Log(q *dns.Msg, ci ClientInfo, rcode string, cacheHit bool, upstream string) {
	e := logEntry{q: q, ci: ci, rcode: rcode, cacheHit: cacheHit, upstream: upstream}
	if a.queue == nil {
		a.write(e)
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Stop drains and closes the queue, if asynchronous logging is in use,
// and waits for the worker to finish writing what's already queued.
func (a *AccessLogger) Stop() {
	if a.queue == nil {
		return
	}
	close(a.queue)
	<-a.done
}

func (a *AccessLogger) worker() {
	defer close(a.done)
	for e := range a.queue {
		a.write(e)
	}
}

func (a *AccessLogger) write(e logEntry) {
	q, ci, rcode, cacheHit, upstream := e.q, e.ci, e.rcode, e.cacheHit, e.upstream
	fields := logrus.Fields{
		"source-ip": ci.SourceIP.String(),
		"listener":  ci.Listener,
		"rcode":     rcode,
		"cache-hit": cacheHit,
	}
	if len(q.Question) > 0 {
		question := q.Question[0]
		fields["qname"] = question.Name
		fields["qtype"] = dns.Type(question.Qtype).String()
		fields["qclass"] = dns.Class(question.Qclass).String()
	}
	if upstream != "" {
		fields["upstream"] = upstream
	}
	if edns0 := q.IsEdns0(); edns0 != nil {
		for _, o := range edns0.Option {
			if ecs, ok := o.(*dns.EDNS0_SUBNET); ok {
				fields["ecs-addr"] = ecs.Address.String()
			}
		}
	}
	a.logger.WithFields(fields).Info("query")
}
