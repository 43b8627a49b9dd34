package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	anchorHrefRe = regexp.MustCompile(`(?i)<a\s+href="([^"]+)"`)
	bodyCloseRe  = regexp.MustCompile(`(?i)</body>`)
)

// TrackingID identifies one send of a campaign to a contact: "{campaignId}-{contactId}-{unixMillis}".
func TrackingID(campaignID, contactID int64, at time.Time) string {
	return fmt.Sprintf("%d-%d-%d", campaignID, contactID, at.UnixMilli())
}

// ParseTrackingID extracts the campaign and contact ids from a tracking id.
func ParseTrackingID(id string) (campaignID, contactID int64, ok bool) {
	parts := strings.Split(id, "-")
	if len(parts) < 2 {
		return 0, 0, false
	}
	c, err1 := strconv.ParseInt(parts[0], 10, 64)
	k, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || c <= 0 || k <= 0 {
		return 0, 0, false
	}
	return c, k, true
}

// OpenPixelURL is where the open-tracking pixel for trackingID is served.
func OpenPixelURL(baseURL, trackingID string) string {
	return trimBase(baseURL) + "/t/open/" + trackingID
}

// InjectOpenPixel adds a hidden 1x1 image before the closing body tag, or appends it.
func InjectOpenPixel(html, baseURL, trackingID string) string {
	pixel := `<img src="` + OpenPixelURL(baseURL, trackingID) + `" width="1" height="1" alt="" style="display:none;" />`

	// match on the original bytes; lowercasing can change the length of non-ASCII text
	if m := bodyCloseRe.FindAllStringIndex(html, -1); len(m) > 0 {
		i := m[len(m)-1][0]
		return html[:i] + pixel + html[i:]
	}
	return html + pixel
}

// InjectClickTracking tags every <a href="..."> with utm_campaign and utm_contact.
// mailto:, tel: and in-page anchors are left alone.
func InjectClickTracking(html string, campaignID, contactID int64) string {
	return anchorHrefRe.ReplaceAllStringFunc(html, func(tag string) string {
		href := anchorHrefRe.FindStringSubmatch(tag)[1]

		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") || strings.HasPrefix(href, "#") {
			return tag
		}

		sep := "?"
		if strings.Contains(href, "?") {
			sep = "&"
		}
		tracked := fmt.Sprintf("%s%sutm_campaign=%d&utm_contact=%d", href, sep, campaignID, contactID)

		return tag[:len(tag)-len(href)-1] + tracked + `"`
	})
}
