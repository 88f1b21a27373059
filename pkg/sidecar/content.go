package sidecar

import "github.com/tidwall/gjson"

// ContentFromJSON resolves a JSON "content" value into a Content. Strings
// become plain content; arrays become segmented content built from each
// part's "text" (or the part itself when it is a bare string). Anything else,
// including a missing value or null, holds no text.
func ContentFromJSON(v gjson.Result) Content {
	switch {
	case v.Type == gjson.String:
		return PlainContent(v.Str)
	case v.IsArray():
		segments := make([]string, 0)
		v.ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Type == gjson.String:
				segments = append(segments, part.Str)
			case part.IsObject():
				if t := part.Get("text"); t.Type == gjson.String {
					segments = append(segments, t.Str)
				}
			}
			return true
		})
		return SegmentedContent(segments...)
	default:
		return Content{}
	}
}
