package mux

import (
	"fmt"
	"net/http"
	"strings"
)

type segment struct {
	literal  string
	name     string
	wildcard bool
	rest     bool
}

// pattern is a parsed "[METHOD ]/path/{name}/{rest...}" binding.
type pattern struct {
	raw      string
	method   string
	segments []segment
}

func parsePattern(s string) (pattern, error) {
	p := pattern{raw: s}
	path := s
	if method, rest, ok := strings.Cut(s, " "); ok {
		p.method = method
		path = strings.TrimLeft(rest, " ")
	}
	if !strings.HasPrefix(path, "/") {
		return pattern{}, fmt.Errorf("pattern %q path has to start with /", s)
	}
	parts := strings.Split(path[1:], "/")
	for i, part := range parts {
		if !strings.HasPrefix(part, "{") {
			if strings.ContainsAny(part, "{}") {
				return pattern{}, fmt.Errorf("pattern %q has invalid segment %q", s, part)
			}
			p.segments = append(p.segments, segment{literal: part})
			continue
		}
		if !strings.HasSuffix(part, "}") {
			return pattern{}, fmt.Errorf("pattern %q has unterminated wildcard %q", s, part)
		}
		name := part[1 : len(part)-1]
		rest := strings.HasSuffix(name, "...")
		name = strings.TrimSuffix(name, "...")
		if name == "" {
			return pattern{}, fmt.Errorf("pattern %q has unnamed wildcard", s)
		}
		if rest && i != len(parts)-1 {
			return pattern{}, fmt.Errorf("pattern %q remainder wildcard has to be last", s)
		}
		p.segments = append(p.segments, segment{name: name, wildcard: true, rest: rest})
	}
	return p, nil
}

// match reports whether req matches and returns the captured wildcards.
func (p pattern) match(req *http.Request) (map[string]string, bool) {
	if p.method != "" && p.method != req.Method {
		return nil, false
	}
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	parts := strings.Split(path[1:], "/")
	values := map[string]string{}
	for i, seg := range p.segments {
		if seg.rest {
			if i >= len(parts) {
				return nil, false
			}
			values[seg.name] = strings.Join(parts[i:], "/")
			return values, true
		}
		if i >= len(parts) {
			return nil, false
		}
		if seg.wildcard {
			if parts[i] == "" {
				return nil, false
			}
			values[seg.name] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	if len(parts) != len(p.segments) {
		return nil, false
	}
	return values, true
}
