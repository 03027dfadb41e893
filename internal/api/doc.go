// Package api exposes the REST surface for submitting intents, inspecting
// runs, resolving authorization confirmations and tuning the active risk
// policy. It also serves Prometheus-style metrics and a health endpoint.
package api
