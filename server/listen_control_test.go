package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenWithBacklog(t *testing.T) {
	for _, backlog := range []int{0, 16} {
		ln, err := ListenWithBacklog(context.Background(), "tcp", "127.0.0.1:0", backlog)
		require.NoError(t, err)

		accepted := make(chan net.Conn, 1)
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				accepted <- conn
			}
			close(accepted)
		}()

		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		server := <-accepted
		require.NotNil(t, server)

		server.Close()
		conn.Close()
		ln.Close()
	}
}

func TestListenWithBacklogAddressInUse(t *testing.T) {
	ln, err := ListenWithBacklog(context.Background(), "tcp", "127.0.0.1:0", 16)
	require.NoError(t, err)
	defer ln.Close()

	_, err = ListenWithBacklog(context.Background(), "tcp", ln.Addr().String(), 16)
	assert.Error(t, err)
}

func TestListenWithBacklogBadAddress(t *testing.T) {
	_, err := ListenWithBacklog(context.Background(), "tcp", "not-an-address", 16)
	assert.Error(t, err)
}
