package snapshot

import (
	"regexp"
	"strings"

	"github.com/hazyhaar/domreplay/mutation"
)

var (
	metaTile     = regexp.MustCompile(`^msapplication-tile(image|color)$`)
	metaDescKeys = regexp.MustCompile(`^description|keywords$`)
	metaSocial   = regexp.MustCompile(`^(og|twitter|fb):`)
	metaSocialNm = regexp.MustCompile(`^(og|twitter):`)
	metaArticle  = regexp.MustCompile(`^(article|product):`)
)

var (
	metaRobots       = map[string]bool{"robots": true, "googlebot": true, "bingbot": true}
	metaAuthorship   = map[string]bool{"author": true, "generator": true, "framework": true, "publisher": true, "progid": true}
	metaVerification = map[string]bool{
		"google-site-verification":   true,
		"yandex-verification":        true,
		"csrf-token":                 true,
		"p:domain_verify":            true,
		"verify-v1":                  true,
		"verification":               true,
		"shopify-checkout-api-token": true,
	}
)

func lowerAttr(a mutation.Attributes, name string) string {
	v, _ := a.String(name)
	return strings.ToLower(v)
}

// slimExcluded reports whether a serialized node falls in a category the
// slim options drop.
func slimExcluded(sn *mutation.Node, o SlimDOMOptions, base string) bool {
	if o.Comment && sn.Type == mutation.CommentNode {
		return true
	}
	if sn.Type != mutation.ElementNode {
		return false
	}
	a := sn.Attributes
	rel, _ := a.String("rel")
	href, hasHref := a.String("href")

	if o.Script && (sn.TagName == "script" ||
		(sn.TagName == "link" && (rel == "preload" || rel == "modulepreload")) ||
		(sn.TagName == "link" && rel == "prefetch" && hasHref && fileExt(base, href) == "js")) {
		return true
	}
	if o.HeadFavicon && ((sn.TagName == "link" && rel == "shortcut icon") ||
		(sn.TagName == "meta" && (metaTile.MatchString(lowerAttr(a, "name")) ||
			lowerAttr(a, "name") == "application-name" ||
			lowerAttr(a, "rel") == "icon" ||
			lowerAttr(a, "rel") == "apple-touch-icon" ||
			lowerAttr(a, "rel") == "shortcut icon"))) {
		return true
	}
	if sn.TagName != "meta" {
		return false
	}
	name, property := lowerAttr(a, "name"), lowerAttr(a, "property")
	_, httpEquiv := a["http-equiv"]
	switch {
	case o.HeadMetaDescKeywords && metaDescKeys.MatchString(name):
		return true
	case o.HeadMetaSocial && (metaSocial.MatchString(property) || metaSocialNm.MatchString(name) || name == "pinterest"):
		return true
	case o.HeadMetaRobots && metaRobots[name]:
		return true
	case o.HeadMetaHTTPEquiv && httpEquiv:
		return true
	case o.HeadMetaAuthorship && (metaAuthorship[name] || metaArticle.MatchString(property)):
		return true
	case o.HeadMetaVerification && metaVerification[name]:
		return true
	}
	return false
}
