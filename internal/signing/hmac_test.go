package signing

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"eventType":"git.pullrequest.created"}`)
	sig, ts := Sign("whsec_abc", payload)

	assert.Regexp(t, `^v1=[0-9a-f]{64}$`, sig)
	assert.True(t, Verify("whsec_abc", payload, ts, sig))
	assert.False(t, Verify("whsec_other", payload, ts, sig))
	assert.False(t, Verify("whsec_abc", []byte(`{}`), ts, sig))
	assert.False(t, Verify("whsec_abc", payload, ts+1, sig))
}

func TestAuthenticate(t *testing.T) {
	const secret = "whsec_abc"
	body := []byte(`{"eventType":"git.push"}`)
	now := time.Unix(1_770_000_000, 0)

	signed := func(ts time.Time, key string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/sub_1", nil)
		r.Header.Set(TimestampHeader, strconv.FormatInt(ts.Unix(), 10))
		r.Header.Set(SignatureHeader, signAt(key, body, ts.Unix()))
		return r
	}
	basic := func(user, password string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/sub_1", nil)
		r.SetBasicAuth(user, password)
		return r
	}

	tests := []struct {
		name    string
		req     *http.Request
		secret  string
		wantErr bool
	}{
		{name: "basic auth password", req: basic("azure-devops", secret), secret: secret},
		{name: "basic auth empty user", req: basic("", secret), secret: secret},
		{name: "basic auth wrong password", req: basic("azure-devops", "nope"), secret: secret, wantErr: true},
		{name: "signed", req: signed(now, secret), secret: secret},
		{name: "signed within skew", req: signed(now.Add(-4*time.Minute), secret), secret: secret},
		{name: "signed too old", req: signed(now.Add(-6*time.Minute), secret), secret: secret, wantErr: true},
		{name: "signed in the future", req: signed(now.Add(6*time.Minute), secret), secret: secret, wantErr: true},
		{name: "signed with other key", req: signed(now, "other"), secret: secret, wantErr: true},
		{name: "no credentials", req: httptest.NewRequest(http.MethodPost, "/webhooks/sub_1", nil), secret: secret, wantErr: true},
		{name: "subscription without secret", req: basic("u", ""), secret: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authenticate(tt.req, tt.secret, body, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAuthenticate_BadTimestamp(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set(SignatureHeader, "v1=00")
	r.Header.Set(TimestampHeader, "yesterday")
	assert.ErrorIs(t, Authenticate(r, "s", nil, time.Now()), ErrUnauthorized)
}
