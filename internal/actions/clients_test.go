package actions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHelpdeskClient_SendReply(t *testing.T) {
	var gotPath, gotAuth, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText = body["text"]
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "msg-9"})
	}))
	defer srv.Close()

	c := NewHelpdeskClient(NewUpstream(srv.URL, "tok-1"))
	id, err := c.SendReply(context.Background(), "conv/1", "hello there")
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if id != "msg-9" {
		t.Fatalf("message id = %q", id)
	}
	if gotPath != "/conversations/conv%2F1/reply" {
		t.Fatalf("path = %q, want escaped conversation id", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotText != "hello there" {
		t.Fatalf("text = %q", gotText)
	}
}

func TestPaymentsClient_Refund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["charge_id"] != "ch_1" || body["amount"] != 12.5 || body["currency"] != "usd" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"refund_id": "re-7"})
	}))
	defer srv.Close()

	c := NewPaymentsClient(NewUpstream(srv.URL, ""))
	id, err := c.Refund(context.Background(), "ch_1", 12.5, "usd")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if id != "re-7" {
		t.Fatalf("refund id = %q", id)
	}
}

func TestLicensingClient_Transfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewLicensingClient(NewUpstream(srv.URL, ""))
	if err := c.Transfer(context.Background(), "lic-1", "acct-2"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
}

func TestUpstream_ErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "charge already refunded", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewPaymentsClient(NewUpstream(srv.URL, ""))
	_, err := c.Refund(context.Background(), "ch_1", 5, "usd")
	if err == nil {
		t.Fatal("conflict status not surfaced")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "charge already refunded") {
		t.Fatalf("error = %v", err)
	}
}

func TestUpstream_UnconfiguredRefuses(t *testing.T) {
	c := NewHelpdeskClient(NewUpstream("", ""))
	if _, err := c.SendReply(context.Background(), "conv-1", "hi"); !errors.Is(err, ErrUpstreamNotConfigured) {
		t.Fatalf("err = %v, want ErrUpstreamNotConfigured", err)
	}
}
