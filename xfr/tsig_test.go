package xfr

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedPacket(t *testing.T, key *TSIGKey, requestMAC string) ([]byte, *dns.Msg) {
	t.Helper()

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeAXFR)
	msg.Answer = []dns.RR{soaRR(t, 11)}
	msg.SetTsig(key.Name, key.Algorithm, 300, time.Now().Unix())

	raw, _, err := dns.TsigGenerate(msg, key.Secret, requestMAC, false)
	require.NoError(t, err)

	out := new(dns.Msg)
	require.NoError(t, out.Unpack(raw))
	return raw, out
}

func TestStreamVerifierNoKeyIsNoop(t *testing.T) {
	v := NewStreamVerifier(nil)
	assert.False(t, v.Required())

	msg := new(dns.Msg)
	msg.Answer = []dns.RR{}
	assert.NoError(t, v.VerifyPacket(nil, msg))
}

func TestStreamVerifierRequiresFirstPacketSigned(t *testing.T) {
	key := &TSIGKey{Name: "key.", Algorithm: dns.HmacSHA256, Secret: "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0"}
	v := NewStreamVerifier(key)
	assert.True(t, v.Required())

	unsigned := new(dns.Msg)
	unsigned.SetQuestion("example.com.", dns.TypeAXFR)
	assert.ErrorIs(t, v.VerifyPacket(nil, unsigned), ErrTSIGRequired)
}

func TestStreamVerifierAcceptsValidTSIGThenTracksUnsigned(t *testing.T) {
	key := &TSIGKey{Name: "key.", Algorithm: dns.HmacSHA256, Secret: "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0"}
	v := NewStreamVerifier(key)

	raw, msg := signedPacket(t, key, "")
	require.NoError(t, v.VerifyPacket(raw, msg))
	assert.True(t, v.verifiedOnce)
	assert.Equal(t, 0, v.sinceLastVerify)

	unsigned := new(dns.Msg)
	unsigned.SetQuestion("example.com.", dns.TypeAXFR)
	for i := 0; i < TSIGMaxUnsigned; i++ {
		require.NoError(t, v.VerifyPacket(nil, unsigned))
	}
	assert.Error(t, v.VerifyPacket(nil, unsigned))
}

func TestStreamVerifierRejectsBadSecret(t *testing.T) {
	signer := &TSIGKey{Name: "key.", Algorithm: dns.HmacSHA256, Secret: "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0"}
	raw, msg := signedPacket(t, signer, "")

	verifier := &TSIGKey{Name: "key.", Algorithm: dns.HmacSHA256, Secret: "d3JvbmdzZWNyZXR3cm9uZ3NlY3JldA=="}
	v := NewStreamVerifier(verifier)
	assert.Error(t, v.VerifyPacket(raw, msg))
}

func TestFindTSIGReturnsNilWithoutTSIG(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeAXFR)
	assert.Nil(t, findTSIG(msg))
}
