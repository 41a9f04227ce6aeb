package sanitize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// MaxFileNameLength caps sanitized file names
	MaxFileNameLength = 255
	// MaxSearchQueryLength caps sanitized search queries
	MaxSearchQueryLength = 255
	// DefaultMaskVisible is the number of characters MaskSensitive keeps
	DefaultMaskVisible = 4
	minMaskStars       = 4
)

var (
	scriptBlockRegex  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	tagRegex          = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex   = regexp.MustCompile(`\s+`)
	controlRegex      = regexp.MustCompile(`[\x00-\x1F\x7F]`)
	phoneRegex        = regexp.MustCompile(`[^0-9]`)
	fileSepRegex      = regexp.MustCompile(`[/\\]`)
	fileReservedRegex = regexp.MustCompile(`[<>:"|?*\x00-\x1F\x7F]`)
	hexColorRegex     = regexp.MustCompile(`^#?([0-9A-Fa-f]{6})$`)
	sqlIdentRegex     = regexp.MustCompile(`[^A-Za-z0-9_]`)
	slugInvalidRegex  = regexp.MustCompile(`[^\w\s-]`)
	hyphenRunRegex    = regexp.MustCompile(`-+`)
	searchStripRegex  = regexp.MustCompile("[<>\"'`;()/]")
	nonDigitRegex     = regexp.MustCompile(`\D`)
)

// HTMLOptions controls HTML sanitization. Zero values fall back to the
// default allow-list: b, i, em, strong, a, p, br with a[href,target].
type HTMLOptions struct {
	AllowedTags       []string
	AllowedAttributes map[string][]string
	MaxLength         int
}

var (
	defaultHTMLTags  = []string{"b", "i", "em", "strong", "a", "p", "br"}
	defaultHTMLAttrs = map[string][]string{"a": {"href", "target"}}

	defaultPolicyOnce sync.Once
	defaultPolicy     *bluemonday.Policy
)

func buildPolicy(tags []string, attrs map[string][]string) *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowElements(tags...)
	for tag, names := range attrs {
		if len(names) > 0 {
			p.AllowAttrs(names...).OnElements(tag)
		}
	}
	return p
}

// HTML strips input down to an allow-list of tags and attributes, then truncates
func HTML(input string, opts HTMLOptions) string {
	var p *bluemonday.Policy
	if len(opts.AllowedTags) == 0 && opts.AllowedAttributes == nil {
		defaultPolicyOnce.Do(func() {
			defaultPolicy = buildPolicy(defaultHTMLTags, defaultHTMLAttrs)
		})
		p = defaultPolicy
	} else {
		tags := opts.AllowedTags
		if len(tags) == 0 {
			tags = defaultHTMLTags
		}
		p = buildPolicy(tags, opts.AllowedAttributes)
	}

	return truncate(p.Sanitize(input), opts.MaxLength)
}

// Text removes script blocks and tags, collapses whitespace, strips
// control characters and truncates to maxLength runes (0 = no limit).
func Text(input string, maxLength int) string {
	s := scriptBlockRegex.ReplaceAllString(input, "")
	s = tagRegex.ReplaceAllString(s, "")
	s = whitespaceRegex.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = controlRegex.ReplaceAllString(s, "")
	return truncate(s, maxLength)
}

// Email lowercases, trims and removes all internal whitespace
func Email(input string) string {
	return whitespaceRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(input)), "")
}

// Phone keeps digits and a leading '+'. A bare 10-digit number gets a
// +1 prefix when addCountryCode is set.
func Phone(input string, addCountryCode bool) string {
	trimmed := strings.TrimSpace(input)
	digits := phoneRegex.ReplaceAllString(trimmed, "")
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "+") {
		return "+" + digits
	}
	if addCountryCode && len(digits) == 10 {
		return "+1" + digits
	}
	return digits
}

// URL returns the normalized absolute URL, or "" unless the scheme is
// http or https. Inputs mentioning javascript: or data: are always rejected.
func URL(input string) string {
	trimmed := strings.TrimSpace(input)
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "javascript:") || strings.Contains(lower, "data:") {
		return ""
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	return u.String()
}

// FileName removes path separators, reserved and control characters
// and leading dots, and caps the length at 255 while keeping the extension.
func FileName(input string) string {
	name := fileSepRegex.ReplaceAllString(input, "")
	name = fileReservedRegex.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")

	if name == "" {
		return "unnamed"
	}

	r := []rune(name)
	if len(r) <= MaxFileNameLength {
		return name
	}

	ext := []rune(filepath.Ext(name))
	if len(ext) == 0 || len(ext) > 16 {
		return string(r[:MaxFileNameLength])
	}
	base := r[:len(r)-len(ext)]
	return string(base[:MaxFileNameLength-len(ext)]) + string(ext)
}

// HexColor normalizes a 6-digit hex color to "#rrggbb"; anything else is #000000
func HexColor(input string) string {
	m := hexColorRegex.FindStringSubmatch(strings.TrimSpace(input))
	if m == nil {
		return "#000000"
	}
	return "#" + m[1]
}

// Object drops nil and empty values recursively. Strings pass through Text.
func Object(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		if cleaned, ok := sanitizeValue(v); ok {
			out[k] = cleaned
		}
	}
	return out
}

// Array drops nil and empty values recursively and removes duplicate scalars
func Array(input []any) []any {
	out := make([]any, 0, len(input))
	seen := make(map[string]struct{})
	for _, v := range input {
		cleaned, ok := sanitizeValue(v)
		if !ok {
			continue
		}
		switch cleaned.(type) {
		case map[string]any, []any:
			out = append(out, cleaned)
		default:
			key := fmt.Sprintf("%T:%v", cleaned, cleaned)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, cleaned)
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		s := Text(val, 0)
		return s, s != ""
	case map[string]any:
		return Object(val), true
	case []any:
		return Array(val), true
	default:
		return val, true
	}
}

// SQLIdentifier keeps only [A-Za-z0-9_]
func SQLIdentifier(input string) string {
	return sqlIdentRegex.ReplaceAllString(input, "")
}

var diacriticFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug creates a URL slug: "Café Olé Gym" → "cafe-ole-gym"
func Slug(input string) string {
	folded, _, err := transform.String(diacriticFolder, input)
	if err != nil {
		folded = input
	}
	s := strings.ToLower(strings.TrimSpace(folded))
	s = slugInvalidRegex.ReplaceAllString(s, "")
	s = whitespaceRegex.ReplaceAllString(s, "-")
	s = hyphenRunRegex.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// SearchQuery strips characters with meaning in markup or SQL and normalizes spacing
func SearchQuery(input string) string {
	s := searchStripRegex.ReplaceAllString(input, "")
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return truncate(strings.TrimSpace(s), MaxSearchQueryLength)
}

// JSON re-encodes input, returning "{}" when it does not parse
func JSON(input string) string {
	var v any
	if err := json.Unmarshal([]byte(input), &v); err != nil {
		return "{}"
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// Initials returns the upper-cased first letter of each sanitized name
func Initials(first, last string) string {
	var b strings.Builder
	for _, name := range []string{first, last} {
		for _, r := range Text(name, 0) {
			if unicode.IsLetter(r) {
				b.WriteRune(unicode.ToUpper(r))
				break
			}
		}
	}
	return b.String()
}

// MaskSensitive keeps the first visibleChars characters and masks the
// rest. Values no longer than visibleChars are fully masked.
func MaskSensitive(value string, visibleChars int) string {
	if value == "" {
		return ""
	}
	if visibleChars < 0 {
		visibleChars = DefaultMaskVisible
	}

	r := []rune(value)
	if len(r) <= visibleChars {
		return strings.Repeat("*", minMaskStars)
	}

	stars := len(r) - visibleChars
	if stars < minMaskStars {
		stars = minMaskStars
	}
	return string(r[:visibleChars]) + strings.Repeat("*", stars)
}

// CreditCard strips non-digits and accepts only 13 to 19 digit numbers
func CreditCard(input string) string {
	digits := nonDigitRegex.ReplaceAllString(input, "")
	if len(digits) < 13 || len(digits) > 19 {
		return ""
	}
	return digits
}

func truncate(s string, maxLength int) string {
	if maxLength <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	return string(r[:maxLength])
}
