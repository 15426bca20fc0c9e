package agent

import (
	"strings"

	"github.com/duskpetrel/duskpetrel/internal/bus"
)

// maxQuoteRunes bounds the quoted text carried into the user turn.
const maxQuoteRunes = 200

// truncateQuote caps a quoted text at maxQuoteRunes runes, appending a
// Unicode ellipsis when truncated.
func truncateQuote(quote string) string {
	r := []rune(quote)
	if len(r) <= maxQuoteRunes {
		return quote
	}
	return string(r[:maxQuoteRunes]) + "…"
}

// injectQuote prefixes the user text with the (untrusted) quoted text the
// message replies to.
func injectQuote(text, quote string) string {
	if quote == "" {
		return text
	}
	return "[replying to: " + truncateQuote(quote) + "]\n" + text
}

// injectWarning prepends a pending context warning to the next user text.
func injectWarning(warning, text string) string {
	if warning == "" {
		return text
	}
	return warning + "\n\n" + text
}

// shouldWarnContext reports whether the warn threshold is crossed and no
// warning or compaction has intervened yet.
func shouldWarnContext(totalTokens, contextWindow int64, warnFraction float64, warningSet bool, compactions int) bool {
	if warningSet || compactions > 0 || contextWindow <= 0 {
		return false
	}
	return float64(totalTokens) > warnFraction*float64(contextWindow)
}

// shouldCompact reports whether the hard threshold is crossed.
func shouldCompact(totalTokens, contextWindow int64, hardFraction float64) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(totalTokens) > hardFraction*float64(contextWindow)
}

// shouldDeliver reports whether a reply for this source goes out through a
// channel. http completes its response future instead; system and any
// configured no-delivery source suppress outbound send entirely.
func shouldDeliver(source bus.Source, noDelivery []string) bool {
	if source == bus.SourceSystem || source == bus.SourceHTTP {
		return false
	}
	for _, s := range noDelivery {
		if bus.Source(s) == source {
			return false
		}
	}
	return true
}

// isSilent reports whether the reply is one of the configured silence
// tokens, after stripping surrounding whitespace.
func isSilent(reply string, silentTokens []string) bool {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return true
	}
	for _, tok := range silentTokens {
		if trimmed == tok {
			return true
		}
	}
	return false
}
