package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRequest(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	req := httptest.NewRequest(http.MethodPost, "http://supervisor/supervisor/rpc/startTask", nil)

	require.NoError(t, SignRequest(req, key, "worker-group-a"))
	assert.NotEmpty(t, req.Header.Get(HeaderSignature))

	assert.NoError(t, VerifyRequest(req, key))
}

func TestVerifyRequestRejectsWrongKey(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	other := DeriveKeyFromClusterID("other-cluster")
	req := httptest.NewRequest(http.MethodPost, "http://supervisor/x", nil)

	require.NoError(t, SignRequest(req, key, "worker-group-a"))
	assert.Error(t, VerifyRequest(req, other))
}

func TestVerifyRequestRejectsMissingHeaders(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	req := httptest.NewRequest(http.MethodPost, "http://supervisor/x", nil)
	assert.Error(t, VerifyRequest(req, key))
}

func TestVerifyRequestRejectsStaleTimestamp(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	req := httptest.NewRequest(http.MethodPost, "http://supervisor/x", nil)

	nonce, err := NewNonce()
	require.NoError(t, err)
	staleTs := time.Now().Add(-1 * time.Hour).UnixMilli()
	sig := Sign(key, "worker-group-a", staleTs, nonce)

	req.Header.Set(HeaderGroup, "worker-group-a")
	req.Header.Set(HeaderTimestamp, itoa64(staleTs))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, sig)

	assert.Error(t, VerifyRequest(req, key))
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
