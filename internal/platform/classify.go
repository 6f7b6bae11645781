package platform

// ContentType is the tag derived from a platform and a content duration.
type ContentType string

const (
	ContentYouTubeShort ContentType = "youtube_shorts"
	ContentYouTubeLong  ContentType = "youtube_long"
	ContentTikTokShort  ContentType = "tiktok_short"
	ContentTikTokLong   ContentType = "tiktok_long"
)

// ShortFormMaxSeconds is the longest duration still classified as short-form.
const ShortFormMaxSeconds = 180

// Classify tags content as short-form when its duration is at most ShortFormMaxSeconds.
func Classify(durationSeconds int64, p Platform) ContentType {
	short := durationSeconds <= ShortFormMaxSeconds
	switch p {
	case TikTok:
		if short {
			return ContentTikTokShort
		}
		return ContentTikTokLong
	default:
		if short {
			return ContentYouTubeShort
		}
		return ContentYouTubeLong
	}
}

// IsShortForm reports whether the content type is one of the short-form tags.
func (c ContentType) IsShortForm() bool {
	return c == ContentYouTubeShort || c == ContentTikTokShort
}
