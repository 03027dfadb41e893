// Package plan defines the operator data model and the intent compiler
// that turns a free-form user request into an ordered, risk-annotated
// execution plan. Compilation is best-effort and never fails: ambiguous
// intents degrade to the unknown classification and a single-step plan
// targeting the default generative handler.
package plan
