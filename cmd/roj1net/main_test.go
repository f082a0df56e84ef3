package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWSURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8080":            "ws://127.0.0.1:8080/",
		" ws://relay.example:80 ":   "ws://relay.example:80/",
		"https://relay.example/ws":  "wss://relay.example/ws",
		"http://relay.example":      "ws://relay.example/",
		"wss://relay.example/path/": "wss://relay.example/path/",
	}
	for in, want := range cases {
		got, err := normalizeWSURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "ftp://relay.example", "ws://"} {
		_, err := normalizeWSURL(bad)
		assert.Error(t, err, bad)
	}
}
