package repository

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/mattjoyce/repoflow/internal/status"
)

// localHost is the uri host used for file:// and bare path origins.
const localHost = "local"

var scpLike = regexp.MustCompile(`^(?:[A-Za-z0-9._-]+@)?([A-Za-z0-9.-]+):([^/].*)$`)

// ParseOrigin derives the repository identity from an origin locator. It
// accepts https, http, ssh and git urls, scp-style "user@host:path" and
// file:// urls or absolute paths. The uri is "<host>/<path>" without a
// ".git" suffix.
func ParseOrigin(raw string) (status.Repository, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return status.Repository{}, fmt.Errorf("origin url is empty")
	}

	var host, p string
	switch {
	case strings.Contains(raw, "://"):
		u, err := url.Parse(raw)
		if err != nil {
			return status.Repository{}, fmt.Errorf("parse origin %q: %w", raw, err)
		}
		switch u.Scheme {
		case "https", "http", "ssh", "git":
			host = u.Hostname()
		case "file":
			host = localHost
		default:
			return status.Repository{}, fmt.Errorf("origin %q: unsupported scheme %q", raw, u.Scheme)
		}
		p = u.Path
	case strings.HasPrefix(raw, "/"):
		host, p = localHost, raw
	default:
		m := scpLike.FindStringSubmatch(raw)
		if m == nil {
			return status.Repository{}, fmt.Errorf("origin %q is not a url, scp-style address or absolute path", raw)
		}
		host, p = m[1], m[2]
	}

	p = strings.TrimSuffix(strings.Trim(path.Clean("/"+p), "/"), ".git")
	if host == "" || p == "" || p == "." {
		return status.Repository{}, fmt.Errorf("origin %q has no repository path", raw)
	}

	uri := strings.ToLower(host) + "/" + p
	org, name := SplitURI(uri)
	return status.Repository{URI: uri, URL: raw, Name: name, Org: org}, nil
}

// SplitURI returns the org and name parts of a repository uri: the name is
// the last path segment and the org everything between host and name.
func SplitURI(uri string) (org, name string) {
	parts := strings.Split(strings.Trim(uri, "/"), "/")
	name = parts[len(parts)-1]
	if len(parts) > 2 {
		org = strings.Join(parts[1:len(parts)-1], "/")
	}
	return org, name
}
