package rdns

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccessLoggerWritesJSONLine(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "access-*.log")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	logger, err := NewAccessLogger(AccessLogOptions{OutputFile: tmp.Name(), OutputFormat: LogFormatJSON})
	require.NoError(t, err)

	q := queryFor("example.com")
	logger.Log(q, ClientInfo{SourceIP: net.ParseIP("192.0.2.1"), Listener: "test", Protocol: "udp"}, "NOERROR", true, "")

	data, err := os.ReadFile(tmp.Name())
	require.NoError(t, err)
	require.Contains(t, string(data), `"qname":"example.com."`)
	require.Contains(t, string(data), `"rcode":"NOERROR"`)
}

func TestAccessLoggerRejectsUnknownFormat(t *testing.T) {
	_, err := NewAccessLogger(AccessLogOptions{OutputFormat: "xml"})
	require.Error(t, err)
}

// TestAccessLoggerAsyncQueueDrainsToOutput exercises the bounded queue
// path (QueueSize > 0): Log must return immediately and the worker
// goroutine must eventually write the entry.
func TestAccessLoggerAsyncQueueDrainsToOutput(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "access-async-*.log")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	logger, err := NewAccessLogger(AccessLogOptions{OutputFile: tmp.Name(), OutputFormat: LogFormatJSON, QueueSize: 4})
	require.NoError(t, err)

	q := queryFor("async.example.com")
	logger.Log(q, ClientInfo{SourceIP: net.ParseIP("192.0.2.1"), Listener: "test", Protocol: "udp"}, "NOERROR", false, "")
	logger.Stop()

	data, err := os.ReadFile(tmp.Name())
	require.NoError(t, err)
	require.Contains(t, string(data), `"qname":"async.example.com."`)
}

// TestAccessLoggerAsyncQueueDropsOnOverflow floods a 1-entry queue
// faster than the worker can drain it and checks that Log never blocks
// the caller, matching the drop-on-overflow semantics of dnsdist's
// RemoteLogger.
func TestAccessLoggerAsyncQueueDropsOnOverflow(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "access-overflow-*.log")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	logger, err := NewAccessLogger(AccessLogOptions{OutputFile: tmp.Name(), QueueSize: 1})
	require.NoError(t, err)

	q := queryFor("overflow.example.com")
	ci := ClientInfo{SourceIP: net.ParseIP("192.0.2.1"), Listener: "test", Protocol: "udp"}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			logger.Log(q, ci, "NOERROR", false, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked under a full queue instead of dropping")
	}
	logger.Stop()
}
