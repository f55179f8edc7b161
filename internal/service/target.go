package service

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	apperrors "github.com/target/geoinfer-api/internal/errors"
)

const notificationTargetField = "notification_target"

// ValidateNotificationTarget checks that raw is an absolute http(s) URL whose host is an
// IP address, an internal single-label name such as a compose service, or a name below a
// public suffix. Bare suffixes like "com", "co.uk" or "github.io" are rejected.
func ValidateNotificationTarget(raw string) error {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || trimmed == "" {
		return apperrors.ValidationField(notificationTargetField, "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.ValidationField(notificationTargetField, "scheme must be http or https")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return apperrors.ValidationField(notificationTargetField, "host is required")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	if suffix == host && (icann || strings.Contains(host, ".")) {
		return apperrors.ValidationField(notificationTargetField, "host "+host+" is a public suffix")
	}
	return nil
}
