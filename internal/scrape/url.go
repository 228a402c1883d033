package scrape

import (
	"net/url"
	"regexp"
	"strings"
)

// AbsoluteURL resolves value against base and returns the absolute form, or
// "" when either side is unparseable.
func AbsoluteURL(value, base string) string {
	if value == "" {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return ""
	}
	if base == "" {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

var (
	modelUpperToken = regexp.MustCompile(`(?i)^(lg|htc|zte|nokia|iphone|ipad)$`)
	modelAlnumToken = regexp.MustCompile(`(?i)^[a-z]*\d+[a-z0-9]*$`)
	modelExtSuffix  = regexp.MustCompile(`(?i)\.[a-z0-9]+$`)
	modelSplit      = regexp.MustCompile(`[-_]+`)
)

const defaultModelLabel = "Scrape Job"

// InferModel derives a display label from the last path segment of the
// category URL, title-casing slug tokens and upper-casing model numbers.
func InferModel(rawURL string) string {
	if rawURL == "" {
		return defaultModelLabel
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultModelLabel
	}
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return defaultModelLabel
	}
	slug := modelExtSuffix.ReplaceAllString(segments[len(segments)-1], "")
	tokens := modelSplit.Split(slug, -1)
	parts := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		switch {
		case modelUpperToken.MatchString(token):
			parts = append(parts, strings.ToUpper(token))
		case strings.EqualFold(token, "thinq"):
			parts = append(parts, "ThinQ")
		case modelAlnumToken.MatchString(token):
			parts = append(parts, strings.ToUpper(token))
		default:
			parts = append(parts, strings.ToUpper(token[:1])+strings.ToLower(token[1:]))
		}
	}
	if len(parts) == 0 {
		return defaultModelLabel
	}
	return strings.Join(parts, " ")
}

var sanitizeRun = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// SanitizeSegment lowers value into a filesystem-safe token.
func SanitizeSegment(value, fallback string) string {
	normalized := sanitizeRun.ReplaceAllString(value, "_")
	normalized = strings.Trim(normalized, "_")
	normalized = strings.ToLower(normalized)
	if normalized == "" {
		return fallback
	}
	return normalized
}

var (
	productPathHints  = regexp.MustCompile(`(?i)/(p|item|sku|product-|view|details|product-detail|pd)/`)
	brandPathHints    = regexp.MustCompile(`(?i)/(apple|samsung|iphone|galaxy|ipad|airpods|watch)/`)
	numericIDPath     = regexp.MustCompile(`/(products?|items?|listings?|offers?|deals?)/\d+`)
	seriesSegment     = regexp.MustCompile(`(?i)(^|/)[a-z0-9-]+-series(/|$)`)
	categoryPathHints = regexp.MustCompile(`(?i)(category|collection|catalog|shop|browse|search|results|list|page)/`)
	slugTripleToken   = regexp.MustCompile(`(?i)[a-z0-9]+-[a-z0-9]+-[a-z0-9]+`)
)

// IsSingleProductURL guesses whether url points at one product detail page
// rather than a category listing. Heuristic only; a wrong positive simply
// scrapes a single item.
func IsSingleProductURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)
	query := strings.ToLower(u.RawQuery)

	if strings.Contains(path, "/product/") {
		return true
	}
	if productPathHints.MatchString(path) || brandPathHints.MatchString(path) {
		return true
	}
	if strings.Contains(query, "product_id=") || strings.Contains(query, "sku=") || strings.Contains(query, "item_id=") {
		return true
	}
	if numericIDPath.MatchString(path) {
		return true
	}

	// Category trees on the primary target site end with slug-like segments
	// that look deceptively like product URLs.
	if strings.Contains(host, "mobilesentrix.") && strings.Contains(path, "/replacement-parts/") {
		return false
	}
	if seriesSegment.MatchString(path) {
		return false
	}
	if categoryPathHints.MatchString(path) {
		return false
	}
	if slugTripleToken.MatchString(path) && !strings.Contains(query, "category") {
		return true
	}
	return false
}

var (
	rejectedImageExt = regexp.MustCompile(`(?i)\.(gif|svg)(\?|$)`)
	imageExt         = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|webp|bmp|tiff|heic)$`)
	imageParam       = regexp.MustCompile(`(?i)[?&](image|img|photo|picture|src|url|file|content)=`)
	imagePath        = regexp.MustCompile(`(?i)/(image|img|photo|picture|asset|media|cdn|static|content)/`)
	imageURLPrefix   = regexp.MustCompile(`(?i)^https?://.*\.(jpg|jpeg|png|webp|bmp|tiff|heic)`)
)

const catalogImagePath = "/catalog/product/image/"

// KeepImageURL filters one absolute candidate: thumbnails, icons, and
// non-raster formats are rejected; catalog images and anything image-shaped
// are kept.
func KeepImageURL(absolute string) bool {
	if absolute == "" {
		return false
	}
	if strings.Contains(absolute, "/small_image/") || strings.Contains(absolute, "/thumbnail/") {
		return false
	}
	if rejectedImageExt.MatchString(absolute) {
		return false
	}
	if strings.Contains(absolute, catalogImagePath) {
		return true
	}
	return imageExt.MatchString(absolute) ||
		imageParam.MatchString(absolute) ||
		imagePath.MatchString(absolute) ||
		imageURLPrefix.MatchString(absolute)
}

var catalogSeparators = map[byte]bool{
	'"': true, '\'': true, ' ': true, '\n': true, '\r': true,
	'\t': true, '<': true, '>': true, '(': true, ')': true,
}

// CatalogImageURLsFromHTML scans raw markup for catalog image paths with no
// DOM dependency. Resilience path for pages that fail to render interactively.
func CatalogImageURLsFromHTML(html, baseURL string) []string {
	if html == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string

	idx := strings.Index(html, catalogImagePath)
	for idx != -1 {
		start := idx
		for start > 0 && !catalogSeparators[html[start-1]] {
			start--
		}
		end := idx + len(catalogImagePath)
		for end < len(html) && !catalogSeparators[html[end]] {
			end++
		}

		candidate := strings.TrimSpace(html[start:end])
		if candidate != "" {
			candidate = strings.ReplaceAll(candidate, "&amp;", "&")
			absolute := AbsoluteURL(candidate, baseURL)
			if absolute != "" && strings.Contains(absolute, catalogImagePath) && !seen[absolute] {
				seen[absolute] = true
				out = append(out, absolute)
			}
		}

		next := strings.Index(html[idx+len(catalogImagePath):], catalogImagePath)
		if next == -1 {
			break
		}
		idx = idx + len(catalogImagePath) + next
	}
	return out
}
