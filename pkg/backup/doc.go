// Package backup runs the submission pipeline: classification
// normalization, policy evaluation, PROCESSING metadata insert, active key
// acquisition, AEAD encryption, blob storage, and ACTIVE finalization. Every
// submission that passes policy ends in exactly one terminal row, ACTIVE or
// FAILED with a stable failure reason (key_unavailable, encryption_failed,
// storage_failed), and every transition lands on the audit chain before the
// caller sees a response.
package backup
