// Package townhall implements the Digital Town Hall assistant: a multi-agent
// conversation graph that lets residents report incidents, leave feedback and
// ask for city insights.
//
// The graph has four cooperating agents:
//   - Dialogue: the user-facing agent; every conversation starts here.
//   - Triage: classifies the conversation and routes it onward.
//   - Insights: silently gathers city data via a tool, then hands back.
//   - Format coordinator: drives the formatter agent-tools that turn the
//     conversation into structured Incident / Feedback / Conversation records.
//
// A mutable Context travels with each run as the application context. Hooks
// attached to the format coordinator capture formatter tool outputs into the
// Context and persist them through the Store.
package townhall
