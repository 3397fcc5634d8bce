package rewrite

import (
	"mime"
	"strings"
)

// MatchContentType reports whether a media type matches a pattern such as
// "text/*" or "*/*". Each part of the pattern must be "*" or equal the
// corresponding part of the media type.
func MatchContentType(pattern, mediaType string) bool {
	pType, pSub, _ := strings.Cut(pattern, "/")
	mType, mSub, _ := strings.Cut(mediaType, "/")
	return (pType == "*" || pType == mType) && (pSub == "*" || pSub == mSub)
}

// MatchAnyContentType reports whether mediaType matches one of patterns.
func MatchAnyContentType(patterns []string, mediaType string) bool {
	for _, p := range patterns {
		if MatchContentType(p, mediaType) {
			return true
		}
	}
	return false
}

// ParseContentType splits a Content-Type header into its lowercased media
// type and charset.
func ParseContentType(header string) (mediaType, charset string, err error) {
	mt, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", "", err
	}
	return mt, params["charset"], nil
}
