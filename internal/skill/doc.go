// Package skill defines the contracts between the execution engine and the
// capabilities it dispatches to: single-operation skills and multi-workflow
// hubs, plus the registry that resolves dispatch targets and the generative
// fallback skill backed by a language model.
package skill
