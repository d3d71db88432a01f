package approvalweb

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ardents-control-plane/signing-bunker/internal/ledger"
)

type stubResolver struct {
	lastRowID string
	lastAllow bool
	lastDesc  string
	err       error
}

func (s *stubResolver) ResolveWebApproval(rowID string, allow bool, description string) error {
	s.lastRowID, s.lastAllow, s.lastDesc = rowID, allow, description
	return s.err
}

func TestServeFormRendersAllowDenyButtons(t *testing.T) {
	h := New(&stubResolver{}, nil)
	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/requests/row-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServeDecisionAllowCallsResolver(t *testing.T) {
	resolver := &stubResolver{}
	h := New(resolver, nil)
	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/requests/row-1", "application/x-www-form-urlencoded",
		strings.NewReader(url.Values{"decision": {"allow"}, "description": {"ok"}}.Encode()))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resolver.lastRowID != "row-1" || !resolver.lastAllow || resolver.lastDesc != "ok" {
		t.Fatalf("unexpected resolver call: %+v", resolver)
	}
}

func TestServeDecisionNotFoundMapsTo404(t *testing.T) {
	resolver := &stubResolver{err: ledger.ErrNotFound}
	h := New(resolver, nil)
	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/requests/missing", "application/x-www-form-urlencoded",
		strings.NewReader(url.Values{"decision": {"deny"}}.Encode()))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestServeDecisionAlreadySettledMapsTo409(t *testing.T) {
	resolver := &stubResolver{err: ledger.ErrAlreadySettled}
	h := New(resolver, nil)
	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/requests/row-1", "application/x-www-form-urlencoded",
		strings.NewReader(url.Values{"decision": {"allow"}}.Encode()))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}
