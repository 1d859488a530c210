package manifest

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
)

// TemplateImage is the slide template whose Src is fetched directly.
const TemplateImage = "img"

var imgSrcPattern = regexp.MustCompile(`(?i)<img[^>]+src\s*=\s*["']([^"']+)["']`)

// ExtractAssetURLs lists the cacheable asset URLs of one presentation, in
// slide order and without duplicates. Image slides contribute their Src; the
// free-text fields are scanned best-effort for embedded <img> sources, of
// which only same-origin ones (paths starting with "/") are kept. Malformed
// markup yields false negatives, never bad credits.
func ExtractAssetURLs(p Presentation) []string {
	urls := make([]string, 0, len(p.Slides))
	seen := make(map[string]struct{})

	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	scan := func(text string) {
		for _, m := range imgSrcPattern.FindAllStringSubmatch(text, -1) {
			if src := m[1]; len(src) > 0 && src[0] == '/' {
				add(src)
			}
		}
	}

	for _, slide := range p.Slides {
		if slide.Template == TemplateImage {
			add(slide.Src)
		} else {
			scan(slide.HTML)
		}
		scan(slide.Additional)
	}

	return urls
}

// BuildAssetMap inverts the catalog into url -> owning presentation IDs, plus
// the expected asset count per presentation. A shared URL appears once with
// every owner listed, which is what lets the engine fetch it once and credit
// everyone.
func BuildAssetMap(presentations []Presentation) (map[string][]string, map[string]int) {
	owners := make(map[string][]string)
	expected := make(map[string]int)

	for _, p := range presentations {
		urls := ExtractAssetURLs(p)
		expected[p.ID] = len(urls)
		for _, u := range urls {
			owners[u] = append(owners[u], p.ID)
		}
	}

	return owners, expected
}

// Fingerprint derives a stable content-version token from the catalog. Any
// presentation version change, addition, or removal changes the fingerprint.
func Fingerprint(presentations []Presentation) string {
	pairs := make([]string, 0, len(presentations))
	for _, p := range presentations {
		pairs = append(pairs, p.ID+":"+p.Version)
	}
	sort.Strings(pairs)

	h := fnv.New64a()
	for _, pair := range pairs {
		h.Write([]byte(pair))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
