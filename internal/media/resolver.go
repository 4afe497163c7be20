// Package media превращает ссылку на медиа (ключ в хранилище файлов) в URL для клиента.
// Сами файлы движок не хранит.
package media

import (
	"net/url"
	"strings"
)

type Resolver interface {
	URL(ref string) string
}

// BaseURLResolver склеивает базовый адрес файлового сервиса и ссылку.
// Абсолютные ссылки (http/https) возвращаются как есть.
type BaseURLResolver struct {
	base string
}

func NewBaseURLResolver(base string) *BaseURLResolver {
	return &BaseURLResolver{base: strings.TrimSuffix(strings.TrimSpace(base), "/")}
}

func (r *BaseURLResolver) URL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	escaped := url.PathEscape(strings.TrimPrefix(ref, "/"))
	if r.base == "" {
		return "/" + escaped
	}
	return r.base + "/" + escaped
}
