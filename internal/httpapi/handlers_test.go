package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"custodia.org/internal/auth"
	"custodia.org/internal/docs"
	"custodia.org/internal/grants"
	"custodia.org/internal/mfa"
	"custodia.org/internal/prooflogin"
	"custodia.org/internal/sessionstore"
	"custodia.org/internal/signedlink"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubExchange struct {
	number   string
	done     bool
	verified bool
	attrs    prooflogin.Attributes
}

type stubVerifier struct {
	mu        sync.Mutex
	nextID    int
	exchanges map[string]*stubExchange
}

func newStubVerifier() *stubVerifier {
	return &stubVerifier{exchanges: make(map[string]*stubExchange)}
}

func (s *stubVerifier) StartPresentation(ctx context.Context, identityNumber string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("pres-ex-%d", s.nextID)
	s.exchanges[id] = &stubExchange{number: identityNumber}
	return id, nil
}

func (s *stubVerifier) ExchangeStatus(ctx context.Context, exchangeID string) (prooflogin.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[exchangeID]
	if !ok {
		return prooflogin.Exchange{}, errors.New("unknown exchange")
	}
	return prooflogin.Exchange{ID: exchangeID, Done: ex.done, Verified: ex.verified}, nil
}

func (s *stubVerifier) VerifiedAttributes(ctx context.Context, exchangeID string) (prooflogin.Attributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[exchangeID]
	if !ok || !ex.verified {
		return prooflogin.Attributes{}, errors.New("exchange not verified")
	}
	return ex.attrs, nil
}

func (s *stubVerifier) complete(exchangeID string, verified bool, attrs prooflogin.Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex := s.exchanges[exchangeID]
	ex.done = true
	ex.verified = verified
	ex.attrs = attrs
}

type env struct {
	t        *testing.T
	srv      *httptest.Server
	registry *docs.MemoryRegistry
	accounts *auth.MemoryStore
	verifier *stubVerifier
	clock    *testClock
	sessions *auth.Sessions
}

func newEnv(t *testing.T) *env {
	t.Helper()

	clock := &testClock{t: time.Now()}
	registry := docs.NewMemoryRegistry()
	accounts := auth.NewMemoryStore()
	verifier := newStubVerifier()

	sessions, err := auth.NewSessions("test-session-secret")
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	links, err := signedlink.NewAuthority("test-link-secret", signedlink.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	bindings := sessionstore.NewMemory()
	flow := prooflogin.NewFlow(accounts, sessions, bindings, verifier, "/dashboard")
	grantLedger := grants.NewInMemory(registry, grants.WithClock(clock.Now))
	enrollment := mfa.NewEnrollment(accounts, bindings, "Custodia")

	api := New(Deps{
		Accounts:   accounts,
		Sessions:   sessions,
		Flow:       flow,
		Grants:     grantLedger,
		Links:      links,
		Registry:   registry,
		Opener:     registry,
		Tracer:     registry,
		MFA:        enrollment,
		Bindings:   bindings,
		Version:    "test",
		LinkTTL:    60 * time.Second,
		RateBurst:  1000,
		RatePerSec: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &env{
		t:        t,
		srv:      srv,
		registry: registry,
		accounts: accounts,
		verifier: verifier,
		clock:    clock,
		sessions: sessions,
	}
}

// client returns an API client with its own cookie jar, i.e. its own browser.
func (e *env) client() *apiClient {
	e.t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		e.t.Fatalf("cookiejar: %v", err)
	}
	return &apiClient{
		baseURL: e.srv.URL,
		client:  &http.Client{Jar: jar},
		t:       e.t,
	}
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) register(body map[string]any) string {
	c.t.Helper()
	resp := c.post("/v1/register", body, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](c.t, resp)
	id, _ := payload["account_id"].(string)
	if id == "" {
		c.t.Fatalf("register returned no account id")
	}
	return id
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *env) addDocument(id, ownerID, content string) {
	e.registry.Add(docs.Document{
		ID: id, OwnerID: ownerID, Title: id,
		ContentType: "application/pdf", ReviewState: docs.ReviewApproved,
	}, []byte(content))
}

func registerCitizen(c *apiClient, email, number string) string {
	return c.register(map[string]any{
		"email":           email,
		"password":        "correct-horse",
		"display_name":    "Test Citizen",
		"identity_type":   "iin",
		"identity_number": number,
	})
}

func registerAgency(c *apiClient, email, entityID string) string {
	return c.register(map[string]any{
		"email":        email,
		"password":     "correct-horse",
		"role":         "agency",
		"display_name": "Test Agency",
		"entity_id":    entityID,
	})
}

func TestHealthAndInfo(t *testing.T) {
	e := newEnv(t)
	c := e.client()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status: %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestRegisterValidation(t *testing.T) {
	e := newEnv(t)
	c := e.client()

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"bad email", map[string]any{"email": "nope", "password": "longenough"}, http.StatusBadRequest},
		{"short password", map[string]any{"email": "a@x.com", "password": "short"}, http.StatusBadRequest},
		{"agency without entity", map[string]any{"email": "b@x.com", "password": "longenough", "role": "agency"}, http.StatusBadRequest},
		{"admin role refused", map[string]any{"email": "c@x.com", "password": "longenough", "role": "admin"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.post("/v1/register", tc.body, nil)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status: %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	registerCitizen(e.client(), "dup@x.com", "900101300123")
	resp := e.client().post("/v1/register", map[string]any{
		"email": "dup@x.com", "password": "correct-horse",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status: %d", resp.StatusCode)
	}
}

func TestProofLoginEndToEnd(t *testing.T) {
	e := newEnv(t)
	registerCitizen(e.client(), "login@x.com", "900101300123")

	browser := e.client()

	// Wrong password.
	resp := browser.post("/v1/login/start", map[string]any{
		"email": "login@x.com", "password": "wrong",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status: %d", resp.StatusCode)
	}

	// Correct credentials open an exchange.
	resp = browser.post("/v1/login/start", map[string]any{
		"email": "login@x.com", "password": "correct-horse",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status: %d", resp.StatusCode)
	}
	start := decode[map[string]any](t, resp)
	exID, _ := start["pres_ex_id"].(string)
	if exID == "" {
		t.Fatal("no exchange id returned")
	}

	// Pending poll.
	resp = browser.get("/v1/login/poll", url.Values{"presExId": []string{exID}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status: %d", resp.StatusCode)
	}
	poll := decode[map[string]any](t, resp)
	if poll["authenticated"] != false {
		t.Fatalf("expected pending, got %+v", poll)
	}

	// A different browser cannot poll this exchange.
	resp = e.client().get("/v1/login/poll", url.Values{"presExId": []string{exID}}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign poll status: %d", resp.StatusCode)
	}

	// Verifier completes with a different identity: 401, then 403 on re-poll.
	e.verifier.complete(exID, true, prooflogin.Attributes{IdentityNumber: "777777777777"})
	resp = browser.get("/v1/login/poll", url.Values{"presExId": []string{exID}}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("mismatch poll status: %d", resp.StatusCode)
	}
	resp = browser.get("/v1/login/poll", url.Values{"presExId": []string{exID}}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("re-poll status: %d", resp.StatusCode)
	}

	// Fresh exchange, matching identity: authenticated session.
	resp = browser.post("/v1/login/start", map[string]any{
		"email": "login@x.com", "password": "correct-horse",
	}, nil)
	start = decode[map[string]any](t, resp)
	exID = start["pres_ex_id"].(string)
	e.verifier.complete(exID, true, prooflogin.Attributes{
		IdentityType: "iin", IdentityNumber: "900101300123", DisplayName: "Verified Citizen",
	})
	resp = browser.get("/v1/login/poll", url.Values{"presExId": []string{exID}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verified poll status: %d", resp.StatusCode)
	}
	poll = decode[map[string]any](t, resp)
	if poll["authenticated"] != true || poll["redirect_url"] != "/dashboard" {
		t.Fatalf("unexpected verified poll: %+v", poll)
	}

	// The session cookie now authorizes citizen endpoints.
	resp = browser.get("/v1/documents", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("documents status after login: %d", resp.StatusCode)
	}
}

func TestAccessGrantEndToEnd(t *testing.T) {
	e := newEnv(t)

	citizen := e.client()
	citizenID := registerCitizen(citizen, "owner@x.com", "900101300123")
	e.addDocument("doc-1", citizenID, "diploma bytes")
	e.addDocument("doc-2", citizenID, "transcript bytes")

	agency := e.client()
	registerAgency(agency, "agency@x.com", "entity-1")

	// Validation: empty item list.
	resp := agency.post("/v1/access-requests", map[string]any{
		"subject_id": citizenID, "purpose": "background check", "item_ids": []string{},
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty items status: %d", resp.StatusCode)
	}

	// Create with two items.
	resp = agency.post("/v1/access-requests", map[string]any{
		"subject_id": citizenID, "purpose": "background check", "item_ids": []string{"doc-1", "doc-2"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", resp.StatusCode)
	}
	created := decode[map[string]any](t, resp)
	reqID := created["id"].(string)
	if created["status"] != "PENDING" {
		t.Fatalf("unexpected status: %v", created["status"])
	}

	// Both parties see it.
	for _, c := range []*apiClient{agency, citizen} {
		resp = c.get("/v1/access-requests", nil, nil)
		listed := decode[map[string]any](t, resp)
		if len(listed["items"].([]any)) != 1 {
			t.Fatalf("expected one visible request, got %+v", listed["items"])
		}
	}

	// The agency cannot decide; the subject can.
	resp = agency.post("/v1/access-requests/"+reqID+"/approve", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("agency approve status: %d", resp.StatusCode)
	}
	resp = citizen.post("/v1/access-requests/"+reqID+"/approve", map[string]any{"note": "ok"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status: %d", resp.StatusCode)
	}
	decided := decode[map[string]any](t, resp)
	if decided["status"] != "APPROVED" {
		t.Fatalf("unexpected status after approve: %v", decided["status"])
	}

	// Deciding twice conflicts.
	resp = citizen.post("/v1/access-requests/"+reqID+"/reject", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second decide status: %d", resp.StatusCode)
	}

	// Unknown request id is indistinguishable from a foreign one.
	resp = citizen.post("/v1/access-requests/no-such-request/approve", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request status: %d", resp.StatusCode)
	}

	// Mint signed links for item 1 and fetch the bytes.
	resp = agency.post("/v1/access-requests/"+reqID+"/items/doc-1/links", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("links status: %d", resp.StatusCode)
	}
	linksPayload := decode[map[string]any](t, resp)
	viewURL := linksPayload["view_url"].(string)
	traceURL := linksPayload["trace_url"].(string)

	resp = agency.get(viewURL, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("view status: %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	if buf.String() != "diploma bytes" {
		t.Fatalf("unexpected body: %q", buf.String())
	}

	// The trace endpoint answers JSON provenance.
	resp = agency.get(traceURL, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trace status: %d", resp.StatusCode)
	}
	trace := decode[map[string]any](t, resp)
	if trace["block_hash"] == "" || trace["document_id"] != "doc-1" {
		t.Fatalf("unexpected trace: %+v", trace)
	}

	// The citizen's session cannot use the agency's granted link.
	resp = citizen.get(viewURL, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("citizen on granted link status: %d", resp.StatusCode)
	}

	// A tampered signature is always TAMPERED.
	tampered := tamperQuery(t, viewURL, "sig")
	resp = agency.get(tampered, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone || resp.Header.Get("X-Error-Reason") != "TAMPERED" {
		t.Fatalf("tampered link: status %d reason %q", resp.StatusCode, resp.Header.Get("X-Error-Reason"))
	}

	// A view token presented to the download endpoint is a scope mismatch.
	downloadWithViewSig := swapAction(viewURL, "/view", "/download")
	resp = agency.get(downloadWithViewSig, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone || resp.Header.Get("X-Error-Reason") != "SCOPE_MISMATCH" {
		t.Fatalf("scope mismatch: status %d reason %q", resp.StatusCode, resp.Header.Get("X-Error-Reason"))
	}

	// Past the token expiry the same URL answers 410 EXPIRED.
	e.clock.Advance(61 * time.Second)
	resp = agency.get(viewURL, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone || resp.Header.Get("X-Error-Reason") != "EXPIRED" {
		t.Fatalf("expired link: status %d reason %q", resp.StatusCode, resp.Header.Get("X-Error-Reason"))
	}

	// Past the grant validity window even fresh links are refused.
	e.clock.Advance(73 * time.Hour)
	resp = agency.post("/v1/access-requests/"+reqID+"/items/doc-1/links", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone || resp.Header.Get("X-Error-Reason") != "GRANT_EXPIRED" {
		t.Fatalf("stale grant links: status %d reason %q", resp.StatusCode, resp.Header.Get("X-Error-Reason"))
	}
	resp = agency.get("/v1/access-requests", nil, nil)
	listed := decode[map[string]any](t, resp)
	item := listed["items"].([]any)[0].(map[string]any)
	if item["status"] != "EXPIRED" {
		t.Fatalf("expected EXPIRED in listing, got %v", item["status"])
	}
}

func TestOwnDocumentLinks(t *testing.T) {
	e := newEnv(t)

	citizen := e.client()
	citizenID := registerCitizen(citizen, "owner@x.com", "900101300123")
	e.addDocument("doc-1", citizenID, "diploma bytes")

	other := e.client()
	registerCitizen(other, "other@x.com", "900101300999")

	// Listing shows the owner's documents only.
	resp := citizen.get("/v1/documents", nil, nil)
	listed := decode[map[string]any](t, resp)
	if len(listed["items"].([]any)) != 1 {
		t.Fatalf("expected one document, got %+v", listed["items"])
	}

	// A foreign citizen cannot mint links for it.
	resp = other.post("/v1/documents/doc-1/links", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign links status: %d", resp.StatusCode)
	}

	resp = citizen.post("/v1/documents/doc-1/links", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("links status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	viewURL := payload["view_url"].(string)

	resp = citizen.get(viewURL, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("view status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The link signs over the owner's identity: another session cannot
	// replay it.
	resp = other.get(viewURL, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("replayed own link status: %d", resp.StatusCode)
	}

	e.clock.Advance(61 * time.Second)
	resp = citizen.get(viewURL, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone || resp.Header.Get("X-Error-Reason") != "EXPIRED" {
		t.Fatalf("expired own link: status %d reason %q", resp.StatusCode, resp.Header.Get("X-Error-Reason"))
	}
}

func TestAdminTrace(t *testing.T) {
	e := newEnv(t)

	citizen := e.client()
	citizenID := registerCitizen(citizen, "owner@x.com", "900101300123")
	e.addDocument("doc-1", citizenID, "diploma bytes")

	admin := &auth.Account{
		ID: "admin-1", Email: "admin@x.com", Role: auth.RoleAdmin, Status: "active",
	}
	if err := e.accounts.Create(context.Background(), admin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	token, _, err := e.sessions.Issue(auth.Principal{AccountID: admin.ID, Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("issue admin session: %v", err)
	}
	adminHeader := map[string]string{"Authorization": "Bearer " + token}

	// No signed link needed: the admin session is the gate.
	resp := e.client().get("/v1/admin/trace/doc-1", nil, adminHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin trace status: %d", resp.StatusCode)
	}
	trace := decode[map[string]any](t, resp)
	if trace["document_id"] != "doc-1" {
		t.Fatalf("unexpected trace: %+v", trace)
	}

	// A citizen session is not enough.
	resp = citizen.get("/v1/admin/trace/doc-1", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("citizen trace status: %d", resp.StatusCode)
	}

	resp = e.client().get("/v1/admin/trace/no-such-doc", nil, adminHeader)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown doc status: %d", resp.StatusCode)
	}
}

func TestSecondFactorEndpoints(t *testing.T) {
	e := newEnv(t)
	citizen := e.client()
	registerCitizen(citizen, "owner@x.com", "900101300123")

	// Confirm before setup.
	resp := citizen.post("/v1/mfa/totp/confirm", map[string]any{"code": "123456"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("confirm without setup status: %d", resp.StatusCode)
	}

	resp = citizen.post("/v1/mfa/totp/setup", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("setup status: %d", resp.StatusCode)
	}
	setup := decode[mfa.Setup](t, resp)
	if setup.Secret == "" || setup.OtpauthURI == "" {
		t.Fatalf("unexpected setup payload: %+v", setup)
	}

	// Wrong code.
	resp = citizen.post("/v1/mfa/totp/confirm", map[string]any{"code": "000000"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong code status: %d", resp.StatusCode)
	}

	resp = citizen.post("/v1/mfa/totp/confirm", map[string]any{"code": totpCode(t, setup.Secret)}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = citizen.get("/v1/mfa/totp/status", nil, nil)
	status := decode[mfa.State](t, resp)
	if !status.Enabled || status.ConfirmedAt == nil {
		t.Fatalf("unexpected status: %+v", status)
	}

	resp = citizen.post("/v1/mfa/totp/disable", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = citizen.get("/v1/mfa/totp/status", nil, nil)
	status = decode[mfa.State](t, resp)
	if status.Enabled {
		t.Fatalf("expected disabled, got %+v", status)
	}

	// Unauthenticated callers never reach the enrollment machine.
	resp = e.client().post("/v1/mfa/totp/setup", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous setup status: %d", resp.StatusCode)
	}
}

func TestAuthJSONIsNeverCached(t *testing.T) {
	e := newEnv(t)
	c := e.client()
	resp := c.get("/v1/info", nil, nil)
	defer resp.Body.Close()
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected no-store, got %q", cc)
	}
}

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return code
}

// tamperQuery flips the last character of one query parameter.
func tamperQuery(t *testing.T, rawURL, param string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	v := q.Get(param)
	if v == "" {
		t.Fatalf("no %s parameter in %s", param, rawURL)
	}
	last := v[len(v)-1]
	flip := byte('A')
	if last == 'A' {
		flip = 'B'
	}
	q.Set(param, v[:len(v)-1]+string(flip))
	u.RawQuery = q.Encode()
	return u.String()
}

func swapAction(rawURL, from, to string) string {
	return string(bytes.Replace([]byte(rawURL), []byte(from+"?"), []byte(to+"?"), 1))
}
