package middleware

import "strings"

// skipList matches request paths that bypass authentication. Entries are
// exact paths, or prefixes when they end in "*" (e.g. "/ingest/*").
type skipList struct {
	exact    map[string]struct{}
	prefixes []string
}

func newSkipList(paths []string) skipList {
	s := skipList{exact: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		if strings.HasSuffix(p, "*") {
			s.prefixes = append(s.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		s.exact[p] = struct{}{}
	}
	return s
}

func (s skipList) match(path string) bool {
	if _, ok := s.exact[path]; ok {
		return true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
