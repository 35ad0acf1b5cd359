// Package policy implements the layered capability policy engine: up to
// four partial layers (hardcoded, global, agent, skill) fold into a
// resolved policy, against which per-call requests are evaluated. Deny
// always wins over allow, and an empty allow set means "allow everything
// not denied."
package policy

import (
	"context"
	"strings"
)

// Capability is drawn from a fixed, closed set of gated actions.
type Capability string

const (
	CapShellExec       Capability = "shell.exec"
	CapNetworkFetch    Capability = "network.fetch"
	CapFilesystemRead  Capability = "filesystem.read"
	CapFilesystemWrite Capability = "filesystem.write"
	CapToolInvoke      Capability = "tool.invoke"
	CapModelInvoke     Capability = "model.invoke"
	CapPluginLoad      Capability = "plugin.load"
)

// Layer is a partially specified policy; nil fields mean "not set by this
// layer" and do not override a lower layer's value.
type Layer struct {
	Allow           []Capability
	Deny            []Capability
	AllowDomains    []string
	WritePaths      []string
	RequireApproval *bool
}

// Resolved is the folded merger of up to four layers (hardcoded → global →
// agent → skill); each layer's defined fields replace, not merge with, the
// prior value.
type Resolved struct {
	Allow           map[Capability]bool
	Deny            map[Capability]bool
	AllowDomains    []string
	WritePaths      []string
	RequireApproval bool
}

// Hardcoded returns the non-negotiable base layer: plugin.load is always
// denied regardless of later layers that might try to allow it, since Fold
// only ever widens via later Deny entries and Hardcoded's Deny is merged in
// separately (see Fold).
func Hardcoded() Layer {
	return Layer{Deny: []Capability{CapPluginLoad}}
}

// Fold resolves layers in order (hardcoded, global, agent, skill, ...),
// later layers replacing earlier whole-set fields. The hardcoded deny of
// plugin.load is always retained even if a later layer's Deny set omits it,
// by unioning every layer's Deny with the hardcoded Deny rather than
// replacing it — every other field follows strict replacement.
func Fold(layers ...Layer) Resolved {
	r := Resolved{Allow: map[Capability]bool{}, Deny: map[Capability]bool{}}
	baseDeny := map[Capability]bool{}
	if len(layers) > 0 {
		for _, c := range layers[0].Deny {
			baseDeny[c] = true
		}
	}

	for i, l := range layers {
		if l.Allow != nil {
			r.Allow = toSet(l.Allow)
		}
		if l.Deny != nil {
			r.Deny = toSet(l.Deny)
		}
		if l.AllowDomains != nil {
			r.AllowDomains = l.AllowDomains
		}
		if l.WritePaths != nil {
			r.WritePaths = l.WritePaths
		}
		if l.RequireApproval != nil {
			r.RequireApproval = *l.RequireApproval
		}
		if i == 0 {
			continue
		}
	}
	for c := range baseDeny {
		r.Deny[c] = true
	}
	return r
}

func toSet(caps []Capability) map[Capability]bool {
	m := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return m
}

func (r Resolved) allowed(c Capability) bool {
	if r.Deny[c] {
		return false
	}
	if len(r.Allow) == 0 {
		return true
	}
	return r.Allow[c]
}

// Request is a single per-call authorization request.
type Request struct {
	Capability Capability
	Fields     map[string]any // structured fields (url, urls, path, input, command, ...)
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }
func allow() Decision             { return Decision{Allowed: true} }

// Evaluate authorizes req against r, deny always taking precedence over allow.
func Evaluate(r Resolved, req Request) Decision {
	switch req.Capability {
	case CapShellExec:
		if !r.allowed(CapShellExec) {
			return deny("capability denied: shell.exec")
		}
		return allow()

	case CapNetworkFetch:
		if !r.allowed(CapNetworkFetch) {
			return deny("capability denied: network.fetch")
		}
		if len(r.AllowDomains) == 0 {
			return deny("no allowDomains configured")
		}
		candidates := extractDomains(req.Fields)
		if len(candidates) == 0 {
			return deny("no candidate domain found in request")
		}
		for _, host := range candidates {
			if !matchesAnyDomain(host, r.AllowDomains) {
				return deny("domain not allowed: " + host)
			}
		}
		return allow()

	case CapFilesystemWrite:
		if !r.allowed(CapFilesystemWrite) {
			return deny("capability denied: filesystem.write")
		}
		if len(r.WritePaths) == 0 {
			return deny("no writePaths configured")
		}
		targets := extractWriteTargets(req.Fields)
		if len(targets) == 0 {
			return deny("no target path found in request")
		}
		for _, t := range targets {
			if !containedInAny(t, r.WritePaths) {
				return deny("path escapes writePaths: " + t)
			}
		}
		return allow()

	default:
		if !r.allowed(req.Capability) {
			return deny("capability denied: " + string(req.Capability))
		}
		return allow()
	}
}

// EvaluateToolCallAccess first verifies that capability is declared by the
// skill manifest before delegating to Evaluate.
func EvaluateToolCallAccess(r Resolved, manifestCapabilities map[Capability]bool, req Request) Decision {
	if !manifestCapabilities[req.Capability] {
		return deny("capability not declared by skill manifest: " + string(req.Capability))
	}
	return Evaluate(r, req)
}

// contextKey carries a Resolved policy through request-scoped context.
type contextKey struct{}

// WithContext returns a context carrying the resolved policy.
func WithContext(ctx context.Context, r Resolved) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext retrieves the resolved policy carried on ctx, if any.
func FromContext(ctx context.Context) (Resolved, bool) {
	r, ok := ctx.Value(contextKey{}).(Resolved)
	return r, ok
}

// normalizeDomain lower-cases and trims a trailing dot for suffix
// comparison.
func normalizeDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimSuffix(host, ".")
}

// matchesAnyDomain reports whether host matches one of rules, supporting
// exact (example.com), wildcard-prefix (*.example.com), and dot-prefixed
// (.example.com) forms.
func matchesAnyDomain(host string, rules []string) bool {
	host = normalizeDomain(host)
	for _, rule := range rules {
		if matchesDomain(host, rule) {
			return true
		}
	}
	return false
}

func matchesDomain(host, rule string) bool {
	rule = normalizeDomain(rule)
	switch {
	case strings.HasPrefix(rule, "*."):
		suffix := rule[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) && host != suffix[1:]
	case strings.HasPrefix(rule, "."):
		return strings.HasSuffix(host, rule)
	default:
		return host == rule
	}
}
