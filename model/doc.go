// Package model defines the normalized request/response contract between
// flows and language model providers, plus a scriptable MockModel for tests.
// Provider adapters live in sub-packages (openai, anthropic) so the core
// runtime never imports a vendor SDK directly.
package model
