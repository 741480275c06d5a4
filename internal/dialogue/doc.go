// Package dialogue generates the agent's spoken replies with a chat
// completion model. Any OpenAI-compatible API works; the defaults target a
// Llama model hosted by Groq. The call history is sent as alternating user
// and assistant messages after a system prompt that asks for short,
// plain-text answers suitable for speech.
package dialogue
