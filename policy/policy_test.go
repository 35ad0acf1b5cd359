package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestFoldAppliesHardcodedDenyEvenWhenLaterLayerAllows(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapPluginLoad}})
	assert.True(t, r.Deny[CapPluginLoad])
}

func TestFoldLaterLayerReplacesAllowWholesale(t *testing.T) {
	r := Fold(
		Hardcoded(),
		Layer{Allow: []Capability{CapShellExec, CapToolInvoke}},
		Layer{Allow: []Capability{CapToolInvoke}},
	)
	assert.False(t, r.Allow[CapShellExec])
	assert.True(t, r.Allow[CapToolInvoke])
}

func TestFoldRequireApprovalTakesLastDefinedLayer(t *testing.T) {
	r := Fold(Hardcoded(), Layer{RequireApproval: boolPtr(true)}, Layer{RequireApproval: boolPtr(false)})
	assert.False(t, r.RequireApproval)
}

func TestEvaluateEmptyAllowSetPermitsUndeniedCapability(t *testing.T) {
	r := Fold(Hardcoded())
	d := Evaluate(r, Request{Capability: CapModelInvoke})
	assert.True(t, d.Allowed)
}

func TestEvaluateDenyAlwaysWinsOverAllow(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapPluginLoad}})
	d := Evaluate(r, Request{Capability: CapPluginLoad})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "plugin.load")
}

func TestEvaluateNetworkFetchRequiresAllowDomainsConfigured(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapNetworkFetch}})
	d := Evaluate(r, Request{Capability: CapNetworkFetch, Fields: map[string]any{"url": "https://example.com/x"}})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "allowDomains")
}

func TestEvaluateNetworkFetchMatchesWildcardDomain(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapNetworkFetch}, AllowDomains: []string{"*.example.com"}})
	d := Evaluate(r, Request{Capability: CapNetworkFetch, Fields: map[string]any{"url": "https://api.example.com/x"}})
	assert.True(t, d.Allowed)
}

func TestEvaluateNetworkFetchRejectsDisallowedDomain(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapNetworkFetch}, AllowDomains: []string{"example.com"}})
	d := Evaluate(r, Request{Capability: CapNetworkFetch, Fields: map[string]any{"url": "https://evil.com/x"}})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "domain not allowed")
}

func TestEvaluateFilesystemWriteRejectsEscapingPath(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapFilesystemWrite}, WritePaths: []string{"/workspace"}})
	d := Evaluate(r, Request{Capability: CapFilesystemWrite, Fields: map[string]any{"path": "/etc/passwd"}})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "escapes writePaths")
}

func TestEvaluateFilesystemWriteAllowsContainedPath(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapFilesystemWrite}, WritePaths: []string{"/workspace"}})
	d := Evaluate(r, Request{Capability: CapFilesystemWrite, Fields: map[string]any{"path": "/workspace/sub/file.txt"}})
	assert.True(t, d.Allowed)
}

func TestEvaluateFilesystemWriteExtractsPatchTargetFromInput(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapFilesystemWrite}, WritePaths: []string{"/workspace"}})
	patch := "*** Update File: /workspace/a.go\n@@ ...\n"
	d := Evaluate(r, Request{Capability: CapFilesystemWrite, Fields: map[string]any{"input": patch}})
	assert.True(t, d.Allowed)
}

func TestEvaluateToolCallAccessRequiresManifestDeclaration(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapShellExec}})
	d := EvaluateToolCallAccess(r, map[Capability]bool{}, Request{Capability: CapShellExec})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "not declared")
}

func TestEvaluateToolCallAccessFallsThroughToEvaluateWhenDeclared(t *testing.T) {
	r := Fold(Hardcoded(), Layer{Allow: []Capability{CapShellExec}})
	d := EvaluateToolCallAccess(r, map[Capability]bool{CapShellExec: true}, Request{Capability: CapShellExec})
	assert.True(t, d.Allowed)
}

func TestWithContextAndFromContextRoundTrip(t *testing.T) {
	r := Fold(Hardcoded())
	ctx := WithContext(context.Background(), r)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, r.Deny, got.Deny)
}

func TestFromContextFalseWhenAbsent(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}
