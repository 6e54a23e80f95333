package konfhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pinkpass/internal/model"
)

func recipients(n int) []string {
	res := make([]string, n)
	for i := range res {
		res[i] = fmt.Sprintf("guest%d@example.com", i)
	}
	return res
}

func decodeCapture(t *testing.T, r *http.Request) captureRequest {
	t.Helper()

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return req
}

func TestIssue_PartialWhenMiddleChunkInaccessible(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event/capture/v2" {
			t.Fatalf("path = %s, want /event/capture/v2", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key" {
			t.Fatalf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		n := atomic.AddInt32(&calls, 1)
		_ = decodeCapture(t, r)
		if n == 2 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"error_code":"TICKET_NOT_ACCESSIBLE","message":"ticket is hidden"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"booking_id":"b"}`))
	}))
	defer ts.Close()

	client := NewClient(Config{
		BaseURL: ts.URL,
		APIKey:  "key",
		EventID: "party-in-pink",
		Default: TicketSet{TicketID: "t-main"},
	})

	order := &model.Order{OrderID: "o1", Type: model.OrderTypeSingle, Name: "Asha", Email: "asha@example.com", Phone: "9876543210", Passes: 45, Recipients: recipients(45)}

	res, err := client.Issue(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 45, res.Total)
	require.Len(t, res.Created, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 20, res.Errors[0].StartIndex)
	assert.Equal(t, 20, res.Errors[0].Count)
	assert.Equal(t, 5, res.Created[1].Count)
	assert.Equal(t, 25, res.Issued())
}

func TestIssue_FallbackTicketOnInaccessible(t *testing.T) {
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeCapture(t, r)
		for ticketID := range req.RegistrationDetails {
			seen = append(seen, ticketID)
			if ticketID == "t-bulk" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error_code":"X1","message":"Ticket not accessible without access code"}`))
				return
			}
		}
		if r.Header.Get("x-access-code") != "CLUB" {
			t.Fatalf("x-access-code = %q, want CLUB", r.Header.Get("x-access-code"))
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	client := NewClient(Config{
		BaseURL: ts.URL,
		APIKey:  "key",
		EventID: "e",
		Default: TicketSet{TicketID: "t-main", FallbackTicketID: "t-main-fb"},
		Bulk:    TicketSet{TicketID: "t-bulk", FallbackTicketID: "t-bulk-fb", AccessCode: "CLUB"},
	})

	order := &model.Order{OrderID: "o2", Type: model.OrderTypeBulk, Name: "Rotaract", Email: "club@example.com", Phone: "9876543210", Passes: 3}

	res, err := client.Issue(context.Background(), order)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"t-bulk", "t-bulk-fb"}, seen)
	assert.Equal(t, []string{"t-bulk-fb"}, res.TicketIDsUsed)
	assert.Equal(t, 3, res.Issued())
}

func TestIssue_NoFallbackForOtherErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(Config{
		BaseURL: ts.URL,
		APIKey:  "key",
		EventID: "e",
		Default: TicketSet{TicketID: "a", FallbackTicketID: "b"},
	})

	res, err := client.Issue(context.Background(), &model.Order{Type: model.OrderTypeSingle, Email: "x@example.com", Passes: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "a", res.Errors[0].TicketIDUsed)
}

func TestIssue_ConfigErrorBeforeNetwork(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, EventID: "e", Default: TicketSet{TicketID: "a"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Issue(ctx, &model.Order{Passes: 1})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantErr      bool
		inaccessible bool
	}{
		{name: "ok", status: 200, body: `{"booking_id":"1"}`},
		{name: "ok with false error", status: 200, body: `{"error":false}`},
		{name: "nested", status: 400, body: `{"error":{"error_code":"TICKET_HIDDEN","message":"x"}}`, wantErr: true, inaccessible: true},
		{name: "string error", status: 400, body: `{"error":"Ticket is inaccessible"}`, wantErr: true, inaccessible: true},
		{name: "forbidden", status: 403, body: ``, wantErr: true, inaccessible: true},
		{name: "error in 200", status: 200, body: `{"error_code":"SOLD_OUT","message":"sold out"}`, wantErr: true},
		{name: "server", status: 502, body: `bad gateway`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseError(tt.status, []byte(tt.body))
			if !tt.wantErr {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.inaccessible, got.Inaccessible())
		})
	}
}
