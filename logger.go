package rdns

import (
	"net"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Log is the package-wide logger instance. Applications can set the
// level and output via the exported *logrus.Logger before starting any
// listeners.
var Log = logrus.New()

// ClientInfo carries metadata about the client that sent a query, threaded
// through the pipeline so that rule matching and logging have access to it
// without re-parsing the transport layer on every call.
type ClientInfo struct {
	// SourceIP is the client's address as seen by the listener.
	SourceIP net.IP
	// Listener is the ID of the listener that received the query.
	Listener string
	// Protocol is the transport the query arrived on, e.g. "udp" or "tcp".
	Protocol string
}

// logger returns a log entry pre-populated with the component ID, query
// name and client address, following the same pattern used throughout
// this package: every Resolve/Forward call starts by deriving its own
// contextual logger.
func logger(id string, q *dns.Msg, ci ClientInfo) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"id":     id,
		"qname":  qName(q),
		"client": ci.SourceIP,
	})
}
