// Package policy holds the allowlists that gate outbound navigation and
// sandbox container images. The lists are compiled in; there is no
// runtime mutation API.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrViolation = errors.New("policy violation")

type Kind string

const (
	KindURL   Kind = "url"
	KindImage Kind = "image"
)

type ViolationError struct {
	Kind   Kind
	Target string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy: %s %q is not allowed", e.Kind, e.Target)
}

func (e *ViolationError) Unwrap() error {
	return ErrViolation
}

var allowedDomains = []string{
	"chat.openai.com",
	"chat.deepseek.com",
	"chatglm.cn",
	"kimi.moonshot.cn",
	"github.com",
	"google.com",
}

var allowedImages = []string{
	"python:3.9-alpine",
	"node:18-alpine",
}

// IsURLAllowed fails closed on any scheme other than http or https, then
// accepts the URL if it contains an allowed domain anywhere in the string.
// The match is a substring test, not a host comparison:
// "https://evil.com/?x=github.com" is accepted.
func IsURLAllowed(url string) bool {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return false
	}
	for _, domain := range allowedDomains {
		if strings.Contains(url, domain) {
			return true
		}
	}
	return false
}

func IsImageAllowed(image string) bool {
	return slices.Contains(allowedImages, image)
}

func CheckURL(url string) error {
	if !IsURLAllowed(url) {
		return &ViolationError{Kind: KindURL, Target: url}
	}
	return nil
}

func CheckImage(image string) error {
	if !IsImageAllowed(image) {
		return &ViolationError{Kind: KindImage, Target: image}
	}
	return nil
}

func AllowedDomains() []string {
	return slices.Clone(allowedDomains)
}

func AllowedImages() []string {
	return slices.Clone(allowedImages)
}
