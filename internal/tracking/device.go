package tracking

import (
	"regexp"
	"strings"
)

var mobileUA = regexp.MustCompile(`(?i)android|webos|iphone|ipad|ipod|blackberry|iemobile|opera mini|mobile|tablet`)

// ClassifyDevice maps a user agent to Mobile or Desktop.
func ClassifyDevice(userAgent string) string {
	if mobileUA.MatchString(userAgent) {
		return DeviceMobile
	}
	return DeviceDesktop
}

// Platform extracts a coarse OS name from a user agent.
func Platform(userAgent string) string {
	lowerUA := strings.ToLower(userAgent)
	// iOS UAs also contain "Mac OS X"
	switch {
	case strings.Contains(lowerUA, "iphone"), strings.Contains(lowerUA, "ipad"):
		return "iOS"
	case strings.Contains(lowerUA, "android"):
		return "Android"
	case strings.Contains(lowerUA, "windows"):
		return "Windows"
	case strings.Contains(lowerUA, "mac"):
		return "macOS"
	case strings.Contains(lowerUA, "linux"):
		return "Linux"
	}
	return ""
}
