package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_CoversTimestampAndBody(t *testing.T) {
	got := Sign("supersecret", "1700000000", []byte(`{"a":1}`))
	assert.Equal(t, "04632746893fa3169dafb2aacf2365eece44b8ec6abb875443c48c7ba309f0ee", got)
	assert.Equal(t, got, Sign("supersecret", "1700000000", []byte(`{"a":1}`)))
	assert.NotEqual(t, got, Sign("supersecret", "1700000001", []byte(`{"a":1}`)))
	assert.NotEqual(t, got, Sign("supersecret", "1700000000", []byte(`{"a": 1}`)))
}

func TestVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"event":"processing_completed"}`)
	ts := "1700000000"
	sig := SignaturePrefix + Sign("s3cret", ts, body)

	tests := []struct {
		name      string
		ts        string
		body      []byte
		header    string
		tolerance time.Duration
		now       time.Time
		wantErr   error
	}{
		{name: "valid", ts: ts, body: body, header: sig, tolerance: 5 * time.Minute, now: now},
		{name: "valid without tolerance", ts: ts, body: body, header: sig, now: now.Add(24 * time.Hour)},
		{name: "missing header", ts: ts, body: body, now: now, wantErr: ErrMissingSignature},
		{name: "missing timestamp", body: body, header: sig, now: now, wantErr: ErrMissingSignature},
		{name: "wrong prefix", ts: ts, body: body, header: "md5=abc", now: now, wantErr: ErrMalformedHeader},
		{name: "not hex", ts: ts, body: body, header: "sha256=zz", now: now, wantErr: ErrMalformedHeader},
		{name: "tampered body", ts: ts, body: []byte(`{}`), header: sig, now: now, wantErr: ErrBadSignature},
		{name: "stale", ts: ts, body: body, header: sig, tolerance: time.Minute, now: now.Add(2 * time.Minute), wantErr: ErrStaleTimestamp},
		{name: "future", ts: ts, body: body, header: sig, tolerance: time.Minute, now: now.Add(-2 * time.Minute), wantErr: ErrStaleTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify("s3cret", tt.ts, tt.body, tt.header, tt.tolerance, tt.now)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReceiver(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"event":"processing_completed","job_id":"j1","status":"completed"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	var got []ReceivedEvent
	rc := &Receiver{
		Secret:           "s3cret",
		Tolerance:        time.Minute,
		RequireSignature: true,
		Now:              func() time.Time { return now },
		OnEvent:          func(ev ReceivedEvent) { got = append(got, ev) },
	}

	t.Run("signed request accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, SignaturePrefix+Sign("s3cret", ts, body))
		w := httptest.NewRecorder()
		rc.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		require.Len(t, got, 1)
		assert.Equal(t, "j1", got[0].JobID)
		assert.True(t, got[0].SignatureValid)
	})

	t.Run("unsigned request rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
		w := httptest.NewRecorder()
		rc.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Len(t, got, 1)
	})

	t.Run("wrong method", func(t *testing.T) {
		w := httptest.NewRecorder()
		rc.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hook", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
