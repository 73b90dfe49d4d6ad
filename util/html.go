package util

import "github.com/microcosm-cc/bluemonday"

// HtmlPolicy is applied to the HTML body of every persisted message.
func HtmlPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowStyling()
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}
