package main

import (
    "context"
    "net"
    "net/http"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestRoles(t *testing.T) {
    tests := []struct {
        role        string
        api, worker bool
    }{
        {"api", true, false},
        {"worker", false, true},
        {"all", true, true},
        {"scheduler", false, false},
    }
    for _, tt := range tests {
        t.Run(tt.role, func(t *testing.T) {
            api, worker := roles(tt.role)
            assert.Equal(t, tt.api, api)
            assert.Equal(t, tt.worker, worker)
        })
    }
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    addr := ln.Addr().String()
    require.NoError(t, ln.Close())

    ctx, cancel := context.WithCancel(context.Background())
    errc := make(chan error, 1)
    h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
    go func() { errc <- serve(ctx, addr, h, zerolog.Nop()) }()

    require.Eventually(t, func() bool {
        resp, err := http.Get("http://" + addr + "/")
        if err != nil { return false }
        resp.Body.Close()
        return resp.StatusCode == http.StatusOK
    }, 2*time.Second, 20*time.Millisecond)

    cancel()
    select {
    case err := <-errc:
        assert.NoError(t, err)
    case <-time.After(5 * time.Second):
        t.Fatal("serve did not return after cancel")
    }
}
