/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"net/http"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/vasayxtx/go-glob"
)

// pathTerminator marks the end of a path, so a static asset suffix matches only at the end.
const pathTerminator = "\x00"

// exemptMatcher detects requests that bypass admission control entirely.
type exemptMatcher struct {
	paths    []func(string) bool
	suffixes *ahocorasick.Matcher
}

func newExemptMatcher(paths, staticAssetSuffixes []string) *exemptMatcher {
	m := &exemptMatcher{paths: make([]func(string) bool, 0, len(paths))}
	for _, p := range paths {
		m.paths = append(m.paths, glob.Compile(p))
	}
	if len(staticAssetSuffixes) != 0 {
		dict := make([]string, 0, len(staticAssetSuffixes))
		for _, suffix := range staticAssetSuffixes {
			dict = append(dict, strings.ToLower(suffix)+pathTerminator)
		}
		m.suffixes = ahocorasick.NewStringMatcher(dict)
	}
	return m
}

func (m *exemptMatcher) match(path string) bool {
	for _, match := range m.paths {
		if match(path) {
			return true
		}
	}
	if m.suffixes == nil {
		return false
	}
	return len(m.suffixes.MatchThreadSafe([]byte(strings.ToLower(path)+pathTerminator))) != 0
}

type classRoute struct {
	class   string
	match   func(string) bool
	methods map[string]struct{} // empty means any method
}

// classRouter maps requests to queue classes. The first matching route wins.
type classRouter struct {
	routes []classRoute
}

func newClassRouter(classes []ClassConfig) *classRouter {
	cr := &classRouter{}
	for _, cls := range classes {
		for _, route := range cls.Routes {
			methods := make(map[string]struct{}, len(route.Methods))
			for _, method := range route.Methods {
				methods[strings.ToUpper(method)] = struct{}{}
			}
			cr.routes = append(cr.routes, classRoute{class: cls.Name, match: glob.Compile(route.Path), methods: methods})
		}
	}
	return cr
}

// classFor returns the name of the class serving the request, "" if the request is not queued.
func (cr *classRouter) classFor(r *http.Request) string {
	for _, route := range cr.routes {
		if len(route.methods) != 0 {
			if _, ok := route.methods[r.Method]; !ok {
				continue
			}
		}
		if route.match(r.URL.Path) {
			return route.class
		}
	}
	return ""
}
