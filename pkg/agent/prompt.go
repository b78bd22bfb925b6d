package agent

import (
	"fmt"
	"strings"
)

// SystemPrompt renders the persona and call facts for the language model.
// A configured system prompt replaces the generated persona but the call
// facts are always appended.
func SystemPrompt(sc SessionContext) string {
	var b strings.Builder

	if custom := sc.String(CtxSystemPrompt); custom != "" {
		b.WriteString(custom)
	} else {
		name := sc.String(CtxAgentName)
		if name == "" {
			name = "a helpful assistant"
		}
		fmt.Fprintf(&b, "You are %s on a phone call", name)
		if company := sc.String(CtxCompanyName); company != "" {
			fmt.Fprintf(&b, " representing %s", company)
		}
		b.WriteString(".")
		if p := sc.String(CtxPersonality); p != "" {
			fmt.Fprintf(&b, " Personality: %s.", p)
		}
		if t := sc.String(CtxTone); t != "" {
			fmt.Fprintf(&b, " Tone: %s.", t)
		}
	}

	b.WriteString("\nKeep replies short and conversational; they are spoken aloud. Do not use lists or markdown.")
	if lead := sc.String(CtxLeadName); lead != "" {
		fmt.Fprintf(&b, "\nYou are speaking with %s.", lead)
	}
	if purpose := sc.String(CtxPurpose); purpose != "" {
		fmt.Fprintf(&b, "\nPurpose of the call: %s", purpose)
	}
	if kb := sc.String(CtxRetrievedContext); kb != "" {
		fmt.Fprintf(&b, "\nRelevant information:\n%s", kb)
	}
	return b.String()
}
