// Package prompts contains the LLM prompt templates Huddle sends to
// completion providers.
//
// Prompt text is Go code rather than config files because it is program
// logic: it is assembled from the conversation at request time, benefits
// from compile-time embedding, and can be validated by tests.
//
// Convention: each prompt gets its own file with an exported function
// that accepts the dynamic parts and returns the fully rendered prompt.
package prompts
