// Package monitor watches the security event stream for threshold
// crossings and raises deduplicated alerts. One crossing yields exactly one
// alert per (rule, actor, window bucket); repeat evaluations inside the same
// bucket return the existing alert unchanged. Alert creation is itself an
// audited admin action.
package monitor
