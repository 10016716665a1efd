package core

import (
	"strings"

	"trackgate/pkg/popularity"
)

// ContentFilter 在缓存之前剔除不允许的内容
type ContentFilter struct {
	blocked       []string
	allowExplicit bool
}

// NewContentFilter 创建内容过滤器
func NewContentFilter(blockedTerms []string, allowExplicit bool) *ContentFilter {
	blocked := make([]string, 0, len(blockedTerms))
	for _, term := range blockedTerms {
		if n := popularity.Normalize(term); n != "" {
			blocked = append(blocked, n)
		}
	}
	return &ContentFilter{blocked: blocked, allowExplicit: allowExplicit}
}

// Allowed 判断单条曲目是否允许
func (f *ContentFilter) Allowed(t Track) bool {
	if t.ID == "" || t.Title == "" {
		return false
	}
	if t.Explicit && !f.allowExplicit {
		return false
	}
	title := popularity.Normalize(t.Title)
	for _, term := range f.blocked {
		if strings.Contains(title, term) {
			return false
		}
	}
	return true
}

// Apply 返回通过过滤的曲目
func (f *ContentFilter) Apply(tracks []Track) []Track {
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if f.Allowed(t) {
			out = append(out, t)
		}
	}
	return out
}
