package buildurl

import (
	"net/url"
	"strings"
)

// URLBuilder struct to hold the components of the URL
type URLBuilder struct {
	basePath     string
	pathElements []string
}

// Option type for functional options
type Option func(*URLBuilder)

// NewURLBuilder creates a new URLBuilder with the given options
func NewURLBuilder(options ...Option) *URLBuilder {
	ub := &URLBuilder{}
	for _, option := range options {
		option(ub)
	}
	return ub
}

// WithBasePath sets the base path of the URL, trailing slashes are dropped.
func WithBasePath(basePath string) Option {
	return func(ub *URLBuilder) {
		ub.basePath = strings.TrimRight(basePath, "/")
	}
}

// WithPathElement adds a single escaped path element to the URL.
func WithPathElement(element string) Option {
	return func(ub *URLBuilder) {
		ub.pathElements = append(ub.pathElements, url.PathEscape(element))
	}
}

// WithRelativePath adds a slash separated relative path to the URL.
// Every segment is escaped on its own so the separators survive.
func WithRelativePath(p string) Option {
	return func(ub *URLBuilder) {
		for _, segment := range strings.Split(strings.Trim(p, "/"), "/") {
			if segment == "" {
				continue
			}
			ub.pathElements = append(ub.pathElements, url.PathEscape(segment))
		}
	}
}

// Build constructs the final URL string
func (ub *URLBuilder) Build() string {
	var sb strings.Builder
	// We ignore the error because the call returns a nil error according to the doc comment.
	_, _ = sb.WriteString(ub.basePath)
	if len(ub.pathElements) > 0 {
		_, _ = sb.WriteString("/")
		_, _ = sb.WriteString(strings.Join(ub.pathElements, "/"))
	}
	return sb.String()
}

func New(options ...Option) string {
	return NewURLBuilder(options...).Build()
}
