// Package repourl performs the syntactic check on repository locators
// accepted by the API.
package repourl

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	CodeInvalidURL       = "INVALID_URL"
	CodeInvalidHTTPSURL  = "INVALID_HTTPS_URL"
	CodeInvalidGitHubURL = "INVALID_GITHUB_URL"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Error is returned for any locator that fails validation. Code is stable
// and safe to expose to API clients.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Locator is a validated repository reference.
type Locator struct {
	URL   string
	Owner string
	Name  string
}

// Parse validates raw and returns its canonical https://github.com/<owner>/<repo> form.
// Trailing ".git" is stripped and any path beyond the repository is ignored.
func Parse(raw string) (Locator, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Locator{}, &Error{Code: CodeInvalidURL, Message: "Must be an URL"}
	}

	if !strings.EqualFold(u.Scheme, "https") {
		return Locator{}, &Error{Code: CodeInvalidHTTPSURL, Message: "Must have https protocol"}
	}

	if strings.ToLower(u.Hostname()) != "github.com" {
		return Locator{}, &Error{Code: CodeInvalidGitHubURL, Message: "Must be a github.com URL"}
	}

	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return Locator{}, &Error{Code: CodeInvalidGitHubURL, Message: "URL must be https://github.com/<owner>/<repo>"}
	}

	owner := parts[0]
	name := strings.TrimSuffix(parts[1], ".git")
	if !validName.MatchString(owner) || !validName.MatchString(name) {
		return Locator{}, &Error{Code: CodeInvalidGitHubURL, Message: "repository owner or name is not a valid name"}
	}

	return Locator{
		URL:   "https://github.com/" + owner + "/" + name,
		Owner: owner,
		Name:  name,
	}, nil
}
