// Package provider defines the chat model backend interface and the
// Ollama implementation for locally served models.
package provider
