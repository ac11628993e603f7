// Package events provides an in-process publish/subscribe broker for
// security events. Subsystems publish lifecycle facts (backup completions,
// restore denials, incident changes, alerts) and observers such as the
// monitoring loop or an SSE endpoint subscribe without coupling to the
// pipelines. Delivery is best-effort with per-subscriber buffering; the
// audit chain, not the broker, is the durable record.
package events
