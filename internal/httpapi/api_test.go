package httpapi

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"bizregistry.org/internal/audit"
	"bizregistry.org/internal/auth"
	"bizregistry.org/internal/credentials"
	"bizregistry.org/internal/stream"
)

const (
	issuerA  = "https://idp-a.example/"
	issuerB  = "https://idp-b.example/tenant/v2.0"
	audience = "api://bizregistry"
)

var (
	signingOnce sync.Once
	signingA    *rsa.PrivateKey
	signingB    *rsa.PrivateKey
	signingErr  error
)

func signingKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	signingOnce.Do(func() {
		signingA, signingErr = rsa.GenerateKey(rand.Reader, 2048)
		if signingErr != nil {
			return
		}
		signingB, signingErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if signingErr != nil {
		t.Fatalf("generate key: %v", signingErr)
	}
	return signingA, signingB
}

func keySet(t *testing.T, kid string, priv *rsa.PrivateKey) []byte {
	t.Helper()
	key, err := jwk.Import(&priv.PublicKey)
	if err != nil {
		t.Fatalf("import key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("add key: %v", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal key set: %v", err)
	}
	return body
}

type apiFixture struct {
	t       *testing.T
	handler http.Handler
	store   *credentials.MemoryStore
	sink    *audit.MemorySink
	events  *stream.Stream
	privA   *rsa.PrivateKey
	privB   *rsa.PrivateKey
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	privA, privB := signingKeys(t)
	docs := map[string][]byte{
		"/a/keys": keySet(t, "a-1", privA),
		"/b/keys": keySet(t, "b-1", privB),
	}
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(idp.Close)

	keys, err := auth.NewKeyCache(map[string]string{
		issuerA: idp.URL + "/a/keys",
		issuerB: idp.URL + "/b/keys",
	}, auth.HTTPKeySetFetcher{Client: idp.Client()})
	if err != nil {
		t.Fatalf("NewKeyCache: %v", err)
	}
	router, err := auth.NewIssuerRouter(issuerA, issuerB)
	if err != nil {
		t.Fatalf("NewIssuerRouter: %v", err)
	}
	validator, err := auth.NewValidator(keys, audience, []auth.IssuerConfig{
		{Kind: auth.IssuerA, Issuer: issuerA, JWKSURL: idp.URL + "/a/keys", PartyClaim: "party_id"},
		{Kind: auth.IssuerB, Issuer: issuerB, JWKSURL: idp.URL + "/b/keys"},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	f := &apiFixture{t: t, store: credentials.NewMemoryStore(), sink: &audit.MemorySink{}, events: stream.New(), privA: privA, privB: privB}
	rec, err := audit.NewLogger([]audit.Sink{f.sink, f.events})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	resolver, err := auth.NewResolver(credentials.NewPrincipalLookup(f.store))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	t.Cleanup(resolver.Wait)
	authorizer := auth.NewAuthorizer(rec)
	authn, err := auth.NewAuthenticator(router, validator, resolver, authorizer, rec)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	svc, err := credentials.NewService(f.store, authorizer, rec, credentials.WithDefaultIssuer(issuerB))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.handler = New(ReadyProbe{}, "test", authn, svc, WithRateLimit(1000, 1000), WithAuditStream(f.events)).Handler()
	return f
}

func (f *apiFixture) userToken(party string, roles ...string) string {
	f.t.Helper()
	r := make([]any, 0, len(roles))
	for _, role := range roles {
		r = append(r, role)
	}
	return f.sign("a-1", f.privA, jwt.MapClaims{
		"iss":      issuerA,
		"aud":      audience,
		"exp":      time.Now().Add(10 * time.Minute).Unix(),
		"oid":      "user-" + party,
		"party_id": party,
		"roles":    r,
	})
}

func (f *apiFixture) clientToken(clientID string) string {
	f.t.Helper()
	return f.sign("b-1", f.privB, jwt.MapClaims{
		"iss": issuerB,
		"aud": audience,
		"exp": time.Now().Add(10 * time.Minute).Unix(),
		"azp": clientID,
	})
}

func (f *apiFixture) sign(kid string, priv *rsa.PrivateKey, claims jwt.MapClaims) string {
	f.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(priv)
	if err != nil {
		f.t.Fatalf("sign: %v", err)
	}
	return raw
}

func (f *apiFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (f *apiFixture) createClient(token, party, body string) credentials.Mapping {
	f.t.Helper()
	rr := f.do(http.MethodPost, "/v1/parties/"+party+"/clients", token, body)
	if rr.Code != http.StatusCreated {
		f.t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	return decodeBody[credentials.Mapping](f.t, rr)
}

func TestHealthzAndHeaders(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing security headers")
	}
	rr = f.do(http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rr.Code)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(http.MethodGet, "/v1/nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if body["error"] != "resource not found" {
		t.Fatalf("body = %v", body)
	}
}

func TestMissingAndInvalidTokensAreUniform401(t *testing.T) {
	f := newAPIFixture(t)
	expired := f.sign("a-1", f.privA, jwt.MapClaims{
		"iss": issuerA, "aud": audience, "oid": "u", "exp": time.Now().Add(-time.Minute).Unix(),
	})
	cases := map[string]string{
		"missing":  "",
		"garbage":  "not-a-token",
		"expired":  expired,
		"unmapped": f.clientToken("cid-123"),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rr := f.do(http.MethodGet, "/v1/whoami", token, "")
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rr.Code)
			}
			if !strings.HasPrefix(rr.Header().Get("WWW-Authenticate"), "Bearer") {
				t.Fatalf("missing challenge header")
			}
			body := decodeBody[map[string]any](t, rr)
			if body["error"] != auth.GenericAuthMessage {
				t.Fatalf("error = %v", body["error"])
			}
			if body["request_id"] == nil {
				t.Fatal("missing request_id")
			}
		})
	}
}

func TestMachineClientLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.userToken("party-1", auth.RoleRegistryEditor)

	m := f.createClient(owner, "party-1", `{"name":"ERP sync","scopes":["Party.Read","Party.Read","Booking.Write"]}`)
	if !strings.HasPrefix(m.ClientID, "cid-") || m.PartyID != "party-1" || m.Issuer != issuerB {
		t.Fatalf("unexpected mapping %+v", m)
	}
	if len(m.Scopes) != 2 {
		t.Fatalf("scopes not normalized: %v", m.Scopes)
	}

	machine := f.clientToken(m.ClientID)
	rr := f.do(http.MethodGet, "/v1/whoami", machine, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("whoami status = %d body=%s", rr.Code, rr.Body.String())
	}
	p := decodeBody[auth.Principal](t, rr)
	if p.Kind != auth.PrincipalMachine || p.PartyID != "party-1" || p.MappingID != m.ID {
		t.Fatalf("unexpected principal %+v", p)
	}

	rr = f.do(http.MethodGet, "/v1/parties/party-1/clients", machine, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	denied := decodeBody[map[string]any](t, rr)
	missing, _ := denied["missing_scopes"].([]any)
	if len(missing) != 1 || missing[0] != auth.ScopeCredentialsRead {
		t.Fatalf("missing_scopes = %v", denied["missing_scopes"])
	}
	if !strings.Contains(rr.Header().Get("WWW-Authenticate"), "insufficient_scope") {
		t.Fatalf("challenge = %q", rr.Header().Get("WWW-Authenticate"))
	}

	rr = f.do(http.MethodPut, "/v1/clients/"+m.ID+"/scopes", owner, `{"scopes":["Credentials.Read"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update scopes status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = f.do(http.MethodGet, "/v1/parties/party-1/clients", machine, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list after scope grant = %d", rr.Code)
	}
	list := decodeBody[listClientsResponse](t, rr)
	if len(list.Items) != 1 || list.Items[0].ID != m.ID {
		t.Fatalf("list = %+v", list.Items)
	}

	rr = f.do(http.MethodPost, "/v1/clients/"+m.ID+"/deactivate", owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rr.Code)
	}
	rr = f.do(http.MethodGet, "/v1/whoami", machine, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("deactivated client status = %d, want 401", rr.Code)
	}

	rr = f.do(http.MethodPost, "/v1/clients/"+m.ID+"/reactivate", owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reactivate status = %d", rr.Code)
	}
	rr = f.do(http.MethodGet, "/v1/whoami", machine, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reactivated client status = %d", rr.Code)
	}

	rr = f.do(http.MethodDelete, "/v1/clients/"+m.ID, owner, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = f.do(http.MethodGet, "/v1/clients/"+m.ID, owner, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rr.Code)
	}
	rr = f.do(http.MethodGet, "/v1/whoami", machine, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("deleted client status = %d", rr.Code)
	}
}

func TestGenerateSecret(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.userToken("party-1", auth.RoleRegistryEditor)
	m := f.createClient(owner, "party-1", `{"name":"ERP","scopes":["Party.Read"]}`)

	rr := f.do(http.MethodPost, "/v1/clients/"+m.ID+"/secrets", owner, `{"expires_in_days":30}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control = %q", rr.Header().Get("Cache-Control"))
	}
	secret := decodeBody[credentials.GeneratedSecret](t, rr)
	raw, err := base64.RawURLEncoding.DecodeString(secret.Secret)
	if err != nil || len(raw) != 32 {
		t.Fatalf("secret is not 32 url-safe bytes: %v len=%d", err, len(raw))
	}
	if secret.MappingID != m.ID || secret.ClientID != m.ClientID {
		t.Fatalf("unexpected secret response %+v", secret)
	}

	rr = f.do(http.MethodPost, "/v1/clients/"+m.ID+"/secrets", owner, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("default expiry status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = f.do(http.MethodGet, "/v1/clients/"+m.ID+"/secrets", owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("audit list status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), secret.Secret) {
		t.Fatal("secret audit leaks the secret")
	}
	recs := decodeBody[secretAuditResponse](t, rr)
	if len(recs.Items) != 2 {
		t.Fatalf("records = %d, want 2", len(recs.Items))
	}
	if got := recs.Items[1].ExpiresAt.Sub(recs.Items[1].GeneratedAt); got != 30*24*time.Hour {
		t.Fatalf("expiry window = %v", got)
	}
}

func TestGenerateSecretRejectsOutOfRangeDays(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.userToken("party-1", auth.RoleRegistryEditor)
	m := f.createClient(owner, "party-1", `{"name":"ERP","scopes":["Party.Read"]}`)

	for _, days := range []string{"0", "-1", "731"} {
		rr := f.do(http.MethodPost, "/v1/clients/"+m.ID+"/secrets", owner, `{"expires_in_days":`+days+`}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("days %s status = %d", days, rr.Code)
		}
		body := decodeBody[map[string]any](t, rr)
		if body["fields"] == nil {
			t.Fatalf("days %s: missing field errors: %v", days, body)
		}
	}
	if n := len(f.sink.OfKind(audit.KindSecretGenerated)); n != 0 {
		t.Fatalf("secret.generated events = %d", n)
	}
}

func TestForeignPartyIsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.userToken("party-1", auth.RoleRegistryEditor)
	intruder := f.userToken("party-2", auth.RoleRegistryEditor)
	m := f.createClient(owner, "party-1", `{"name":"ERP","scopes":["Party.Read"]}`)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/v1/clients/" + m.ID, ""},
		{http.MethodPost, "/v1/clients/" + m.ID + "/secrets", `{"expires_in_days":30}`},
		{http.MethodPut, "/v1/clients/" + m.ID + "/scopes", `{"scopes":["Party.Write"]}`},
		{http.MethodPost, "/v1/clients/" + m.ID + "/deactivate", ""},
		{http.MethodDelete, "/v1/clients/" + m.ID, ""},
		{http.MethodPost, "/v1/parties/party-1/clients", `{"name":"x","scopes":["Party.Read"]}`},
	} {
		rr := f.do(tc.method, tc.path, intruder, tc.body)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s %s status = %d", tc.method, tc.path, rr.Code)
		}
	}
	got, err := f.store.Get(t.Context(), m.ID)
	if err != nil || !got.Active || len(got.Scopes) != 1 {
		t.Fatalf("mapping mutated by foreign party: %+v %v", got, err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.userToken("party-1", auth.RoleRegistryEditor)

	rr := f.do(http.MethodPost, "/v1/parties/party-1/clients", owner, `{"name":"","scopes":["Nope"]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	fields, _ := body["fields"].([]any)
	if len(fields) < 2 {
		t.Fatalf("fields = %v", body["fields"])
	}

	rr = f.do(http.MethodPost, "/v1/parties/party-1/clients", owner, `{"name":"x","scopes":["Party.Read"],"secret":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rr.Code)
	}

	f.createClient(owner, "party-1", `{"client_id":"cid-erp","name":"x","scopes":["Party.Read"]}`)
	rr = f.do(http.MethodPost, "/v1/parties/party-1/clients", owner, `{"client_id":"cid-erp","name":"y","scopes":["Party.Read"]}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rr.Code)
	}
}

func TestViewerCannotManage(t *testing.T) {
	f := newAPIFixture(t)
	viewer := f.userToken("party-1", auth.RoleRegistryViewer)

	rr := f.do(http.MethodGet, "/v1/parties/party-1/clients", viewer, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("viewer list status = %d", rr.Code)
	}
	if got := decodeBody[listClientsResponse](t, rr); got.Items == nil {
		t.Fatal("empty list should encode as []")
	}
	rr = f.do(http.MethodPost, "/v1/parties/party-1/clients", viewer, `{"name":"x","scopes":["Party.Read"]}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer create status = %d", rr.Code)
	}
	if n := len(f.sink.OfKind(audit.KindAccessDenied)); n != 1 {
		t.Fatalf("access.denied events = %d, want 1", n)
	}
}
