// End-to-end governance flows against the real router: in-memory stores, the
// local ed25519 signer, real JWT auth, real approval signatures.
package integration_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VERAXIS/Core/kernel/internal/audit"
	"github.com/VERAXIS/Core/kernel/internal/auth"
	"github.com/VERAXIS/Core/kernel/internal/canonical"
	"github.com/VERAXIS/Core/kernel/internal/config"
	"github.com/VERAXIS/Core/kernel/internal/governance"
	"github.com/VERAXIS/Core/kernel/internal/httpserver"
	"github.com/VERAXIS/Core/kernel/internal/idempotency"
	"github.com/VERAXIS/Core/kernel/internal/manifest"
	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

const e2eSecret = "integration-secret"

type kernelUnderTest struct {
	srv *httptest.Server
	reg registry.Store
}

func startKernel(t *testing.T) *kernelUnderTest {
	t.Helper()

	provider, err := signer.NewLocalProvider("")
	require.NoError(t, err)
	reg := registry.NewMemoryStore()
	_, err = reg.Register(context.Background(), registry.Signer{
		KID:       provider.KID(),
		Algorithm: provider.Algorithm(),
		PublicKey: provider.PublicKey(),
	})
	require.NoError(t, err)

	auditStore := audit.NewMemoryStore()
	chain := audit.NewChain(auditStore, provider, audit.ChainConfig{QueueDepth: 64})
	chain.Start()
	t.Cleanup(chain.Stop)

	manifests := manifest.NewMemoryStore()
	co := governance.New(
		manifests,
		idempotency.NewMemoryStore(time.Hour),
		provider, reg, chain, nil,
		governance.Config{DefaultThreshold: 2},
	)

	cfg := config.Config{
		AuthJWTSecret:  e2eSecret,
		RateLimitRPS:   500,
		RateLimitBurst: 500,
	}
	server := httpserver.New(cfg, co, manifests, reg, chain, auditStore, provider)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &kernelUnderTest{srv: srv, reg: reg}
}

func bearer(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e2eSecret))
	require.NoError(t, err)
	return tok
}

func (k *kernelUnderTest) call(t *testing.T, method, path, tok string, body interface{}, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, k.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	for key, v := range headers {
		req.Header.Set(key, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode, raw
}

type manifestEnvelope struct {
	Manifest manifest.Manifest `json:"manifest"`
}

func decodeManifest(t *testing.T, raw []byte) manifest.Manifest {
	t.Helper()
	var env manifestEnvelope
	require.NoError(t, json.Unmarshal(raw, &env), "body: %s", raw)
	return env.Manifest
}

// approver holds an external approver identity: an ed25519 keypair registered
// through the admin API plus an approver-role token.
type approver struct {
	id   string
	priv ed25519.PrivateKey
	tok  string
}

func registerApprover(t *testing.T, k *kernelUnderTest, admin, id string) approver {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	code, raw := k.call(t, http.MethodPost, "/v1/signers", admin, map[string]interface{}{
		"kid":          id,
		"algorithm":    registry.AlgEd25519,
		"publicKeyB64": base64.StdEncoding.EncodeToString(pub),
	}, nil)
	require.Equal(t, http.StatusCreated, code, "body: %s", raw)

	return approver{id: id, priv: priv, tok: bearer(t, id, auth.RoleApprover)}
}

func (a approver) sign(t *testing.T, m manifest.Manifest, decision, notes string) string {
	t.Helper()
	hash, err := governance.ManifestHash(m)
	require.NoError(t, err)
	payload, err := canonical.MarshalCanonical(governance.ApprovalPayload(m.ID, hash, a.id, decision, notes))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(a.priv, payload))
}

func TestLowImpactManifestAppliesDirectly(t *testing.T) {
	k := startKernel(t)
	operator := bearer(t, "op-1", auth.RoleOperator)
	auditor := bearer(t, "aud-1", auth.RoleAuditor)

	code, raw := k.call(t, http.MethodPost, "/v1/manifests", operator, map[string]interface{}{
		"packageRef":    "billing-svc@2.3.1",
		"impact":        "LOW",
		"preconditions": map[string]interface{}{"region": "eu-west-1"},
	}, map[string]string{"Idempotency-Key": "e2e-low-1"})
	require.Equal(t, http.StatusCreated, code, "body: %s", raw)
	m := decodeManifest(t, raw)
	require.Equal(t, manifest.StateSigned, m.Status)

	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/apply", operator, nil, nil)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	assert.Equal(t, manifest.StateApplied, decodeManifest(t, raw).Status)

	// Every lifecycle step landed on the chain and the chain verifies.
	code, raw = k.call(t, http.MethodPost, "/v1/audit/verify", auditor, map[string]interface{}{}, nil)
	require.Equal(t, http.StatusOK, code)
	var report audit.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.OK, "chain must verify: %+v", report)
	assert.EqualValues(t, 3, report.Checked) // submitted, signed, applied
}

func TestHighImpactManifestNeedsTwoApprovals(t *testing.T) {
	k := startKernel(t)
	operator := bearer(t, "op-1", auth.RoleOperator)
	admin := bearer(t, "root", auth.RoleAdmin)
	auditor := bearer(t, "aud-1", auth.RoleAuditor)

	alice := registerApprover(t, k, admin, "approver-alice")
	bob := registerApprover(t, k, admin, "approver-bob")

	code, raw := k.call(t, http.MethodPost, "/v1/manifests", operator, map[string]interface{}{
		"packageRef": "auth-core@9.0.0",
		"impact":     "HIGH",
	}, map[string]string{"Idempotency-Key": "e2e-high-1"})
	require.Equal(t, http.StatusCreated, code, "body: %s", raw)
	m := decodeManifest(t, raw)
	require.Equal(t, 2, m.Threshold, "HIGH impact defaults to the multisig threshold")

	// Applying before approvals must conflict.
	code, _ = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/apply", operator, nil, nil)
	require.Equal(t, http.StatusConflict, code)

	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/multisig", operator, map[string]interface{}{
		"threshold": 2,
		"approvers": []string{alice.id, bob.id},
	}, nil)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	require.Equal(t, manifest.StateAwaitingMultisig, decodeManifest(t, raw).Status)

	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/approvals", alice.tok, map[string]interface{}{
		"approverId":   alice.id,
		"decision":     manifest.DecisionApproved,
		"signatureB64": alice.sign(t, m, manifest.DecisionApproved, ""),
	}, nil)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	require.Equal(t, manifest.StateMultisigPartial, decodeManifest(t, raw).Status)

	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/approvals", bob.tok, map[string]interface{}{
		"approverId":   bob.id,
		"decision":     manifest.DecisionApproved,
		"signatureB64": bob.sign(t, m, manifest.DecisionApproved, "lgtm"),
	}, nil)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	require.Equal(t, manifest.StateMultisigComplete, decodeManifest(t, raw).Status)

	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/apply", operator, nil, nil)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	applied := decodeManifest(t, raw)
	assert.Equal(t, manifest.StateApplied, applied.Status)
	assert.NotNil(t, applied.AppliedAt)

	code, raw = k.call(t, http.MethodPost, "/v1/audit/verify", auditor, map[string]interface{}{}, nil)
	require.Equal(t, http.StatusOK, code)
	var report audit.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.OK, "chain must verify: %+v", report)
}

func TestForgedApprovalIsRejected(t *testing.T) {
	k := startKernel(t)
	operator := bearer(t, "op-1", auth.RoleOperator)
	admin := bearer(t, "root", auth.RoleAdmin)

	alice := registerApprover(t, k, admin, "approver-alice")
	mallory := registerApprover(t, k, admin, "approver-mallory")

	code, raw := k.call(t, http.MethodPost, "/v1/manifests", operator, map[string]interface{}{
		"packageRef": "ledger@1.0.0",
		"impact":     "CRITICAL",
	}, map[string]string{"Idempotency-Key": "e2e-forge-1"})
	require.Equal(t, http.StatusCreated, code, "body: %s", raw)
	m := decodeManifest(t, raw)

	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/multisig", operator, map[string]interface{}{
		"threshold": 1,
		"approvers": []string{alice.id},
	}, nil)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)

	// Mallory signs with her own key but claims to be Alice.
	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/approvals", mallory.tok, map[string]interface{}{
		"approverId":   alice.id,
		"decision":     manifest.DecisionApproved,
		"signatureB64": mallory.sign(t, m, manifest.DecisionApproved, ""),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "body: %s", raw)

	// Mallory is not in the approver set under her own identity either.
	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/approvals", mallory.tok, map[string]interface{}{
		"approverId":   mallory.id,
		"decision":     manifest.DecisionApproved,
		"signatureB64": mallory.sign(t, m, manifest.DecisionApproved, ""),
	}, nil)
	assert.Equal(t, http.StatusForbidden, code, "body: %s", raw)

	// The manifest has not moved.
	code, raw = k.call(t, http.MethodGet, "/v1/manifests/"+m.ID, operator, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, manifest.StateAwaitingMultisig, decodeManifest(t, raw).Status)
}

func TestApproverRejectionTerminates(t *testing.T) {
	k := startKernel(t)
	operator := bearer(t, "op-1", auth.RoleOperator)
	admin := bearer(t, "root", auth.RoleAdmin)

	alice := registerApprover(t, k, admin, "approver-alice")

	code, raw := k.call(t, http.MethodPost, "/v1/manifests", operator, map[string]interface{}{
		"packageRef": "payments@4.2.0",
		"impact":     "HIGH",
	}, map[string]string{"Idempotency-Key": "e2e-reject-1"})
	require.Equal(t, http.StatusCreated, code, "body: %s", raw)
	m := decodeManifest(t, raw)

	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/multisig", operator, map[string]interface{}{
		"threshold": 1,
		"approvers": []string{alice.id},
	}, nil)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)

	code, raw = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/approvals", alice.tok, map[string]interface{}{
		"approverId":   alice.id,
		"decision":     manifest.DecisionRejected,
		"signatureB64": alice.sign(t, m, manifest.DecisionRejected, "wrong rollout window"),
		"notes":        "wrong rollout window",
	}, nil)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	assert.Equal(t, manifest.StateRejected, decodeManifest(t, raw).Status)

	code, _ = k.call(t, http.MethodPost, "/v1/manifests/"+m.ID+"/apply", operator, nil, nil)
	assert.Equal(t, http.StatusConflict, code)
}
