/*
Package log provides structured logging for Warden built on zerolog.

A single global logger is initialized once at process start via Init, with
child loggers per component created through WithComponent. Security-relevant
decisions log structured fields (actor, action, reason) but never raw key
material, payload plaintext, or MFA tokens.
*/
package log
