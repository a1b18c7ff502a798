package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignKnownVector(t *testing.T) {
	// RFC 4231 test case 2
	sig := Sign("Jefe", []byte("what do ya want for nothing?"))
	assert.Equal(t, "sha256=5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", sig)
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	sig := Sign("whsec_abc", body)

	assert.True(t, Verify("whsec_abc", body, sig))
	assert.True(t, Verify("whsec_abc", body, sig[len("sha256="):]))
	assert.False(t, Verify("whsec_other", body, sig))
	assert.False(t, Verify("whsec_abc", []byte(`{"event_id":"evt_2"}`), sig))
	assert.False(t, Verify("whsec_abc", body, ""))
}
