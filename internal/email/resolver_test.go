package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIMAPServer(t *testing.T) {
	cases := []struct {
		address string
		host    string
		port    int
	}{
		{"someone@gmail.com", "imap.gmail.com", 993},
		{"someone@GMail.com", "imap.gmail.com", 993},
		{"someone@proton.me", "127.0.0.1", 1143},
		{"qa@crewsforge.com", "imap.crewsforge.com", 993},
	}

	for _, tc := range cases {
		t.Run(tc.address, func(t *testing.T) {
			host, port, err := ResolveIMAPServer(tc.address)
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.port, port)
		})
	}
}

func TestResolveIMAPServerInvalid(t *testing.T) {
	for _, address := range []string{"", "no-at-sign", "a@b@c", "@example.com", "user@"} {
		_, _, err := ResolveIMAPServer(address)
		assert.Error(t, err, address)
	}
}
