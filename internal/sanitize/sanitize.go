// Package sanitize strips active content from text that is echoed back to
// callers or persisted.
package sanitize

import (
	"regexp"
	"strings"
)

var patterns = []*regexp.Regexp{
	// Paired tags with their content.
	regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
	regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`),
	regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`),
	// Stray opening or closing tags.
	regexp.MustCompile(`(?i)</?\s*(script|style|iframe)\b[^>]*>?`),
	regexp.MustCompile(`(?i)javascript\s*:`),
}

// handlerAttr matches any on*= attribute inside a tag; the tag is kept.
var handlerAttr = regexp.MustCompile(`(?i)(<[a-z][^>]*?)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]*)`)

// bareHandler matches known DOM event handlers outside tags. Prose like
// "one = 5" or "online=true" is left alone.
var bareHandler = regexp.MustCompile(`(?i)\bon(abort|afterprint|animationend|animationstart|beforeprint|beforeunload|blur|change|click|contextmenu|copy|cut|dblclick|drag|dragend|dragenter|dragleave|dragover|dragstart|drop|error|focus|focusin|focusout|hashchange|input|invalid|keydown|keypress|keyup|load|message|mousedown|mouseenter|mouseleave|mousemove|mouseout|mouseover|mouseup|pagehide|pageshow|paste|pointerdown|pointerenter|pointerleave|pointermove|pointerup|popstate|reset|resize|scroll|select|storage|submit|toggle|touchend|touchmove|touchstart|transitionend|unload|wheel)\s*=\s*("[^"]*"|'[^']*'|[^\s>]*)`)

// maxPasses bounds re-scanning for payloads that reassemble after a strip,
// e.g. "<scr<script></script>ipt>".
const maxPasses = 8

// Text removes script/style/iframe blocks, javascript: schemes and on*=
// handler attributes. Plain text, including case, is otherwise untouched.
func Text(s string) string {
	for i := 0; i < maxPasses; i++ {
		next := s
		for _, re := range patterns {
			next = re.ReplaceAllString(next, "")
		}
		next = handlerAttr.ReplaceAllString(next, "$1")
		next = bareHandler.ReplaceAllString(next, "")
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(s)
}

// Clean reports whether s is unchanged by Text.
func Clean(s string) bool {
	return Text(s) == strings.TrimSpace(s)
}
