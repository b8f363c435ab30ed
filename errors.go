package rdns

import (
	"fmt"

	"github.com/miekg/dns"
)

// QueryTimeoutError is returned when a query times out waiting for an
// upstream reply.
type QueryTimeoutError struct {
	query *dns.Msg
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out", qName(e.query))
}

// dropReason identifies why a query was silently dropped by the pipeline,
// per the error-handling table in the design documentation. Every reason
// maps 1:1 to an expvar counter incremented by the pipeline.
type dropReason string

const (
	dropParseError  dropReason = "dns_parse_error"
	dropACLReject   dropReason = "acl_drop"
	dropRateLimited dropReason = "rate_limited"
	dropNoUpstream  dropReason = "no_upstream"
	dropSendFail    dropReason = "send_errors"
	dropRuleAction  dropReason = "rule_drop"
)

// WireError is returned by the wire codec when a packet cannot be parsed
// safely enough to continue processing. It always results in the query
// being dropped; no cache mutation is ever performed for a WireError.
type WireError struct {
	Reason string
}

func (e WireError) Error() string {
	return "malformed dns message: " + e.Reason
}

var (
	errTruncated      = WireError{"truncated message"}
	errBadCompression = WireError{"invalid compression pointer"}
	errBadName        = WireError{"label too long or malformed name"}
	errNoQuestion     = WireError{"no question section"}
)
