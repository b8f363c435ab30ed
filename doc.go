/*
Package rdns implements the query-path engine of a DNS load balancer.

It accepts UDP and TCP DNS queries from authorized clients, classifies
each query through an ordered rule set (access control, rate limiting,
pool assignment), serves it from an in-memory packet cache when possible,
or forwards it to one of several pooled upstream resolvers chosen by a
pluggable selection policy. Responses from upstreams are correlated back
to their originating client through a per-upstream session tracker and
copied into the cache before being relayed.

Cache

The Cache is a fixed-capacity, fingerprint-keyed map of recently seen
responses. It never blocks the hot path: lookups and inserts use
non-blocking lock leases and degrade to a miss (or a dropped insert)
under contention rather than wait.

Upstreams and selection

An UpstreamRegistry holds the configured set of upstream resolvers along
with health, weight and pool membership. Selection policies are pure
functions that pick one upstream from a pool's candidate list.

Session tracking

A session tracker maintains, per upstream, a bounded ring of outstanding
query correlations so that asynchronous upstream replies can be matched
back to the client that asked for them, with the original 16-bit query
ID restored on the way out.

Pipeline

Pipeline ties the above together into the per-datagram state machine:
receive, classify, look up in cache, select an upstream, forward,
correlate the reply, and emit it to the client.
*/
package rdns
