package fanout

import "strings"

const (
	channelPrefix   = "events:"
	thumbnailSuffix = ":with-thumbnails"
)

// EventChannel returns the pub/sub channel carrying plain events for an
// organization.
func EventChannel(orgID string) string {
	return channelPrefix + orgID
}

// EventThumbnailChannel returns the channel variant carrying events with
// embedded thumbnail payloads.
func EventThumbnailChannel(orgID string) string {
	return channelPrefix + orgID + thumbnailSuffix
}

// ChannelFor picks the channel variant a connection needs.
func ChannelFor(orgID string, includeThumbnails bool) string {
	if includeThumbnails {
		return EventThumbnailChannel(orgID)
	}
	return EventChannel(orgID)
}

// ParseChannel recovers the organization ID and thumbnail variant from a
// channel name. The fixed suffix marker keeps parsing unambiguous even when
// organization IDs contain the delimiter character.
func ParseChannel(name string) (orgID string, includeThumbnails bool, ok bool) {
	rest, found := strings.CutPrefix(name, channelPrefix)
	if !found || rest == "" {
		return "", false, false
	}
	if trimmed, hasSuffix := strings.CutSuffix(rest, thumbnailSuffix); hasSuffix {
		if trimmed == "" {
			return "", false, false
		}
		return trimmed, true, true
	}
	return rest, false, true
}
