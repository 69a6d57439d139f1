package events

import "strings"

// Inferred categories.
const (
	CategoryEcommerce  = "ecommerce"
	CategoryForms      = "forms"
	CategoryBooking    = "booking"
	CategoryEngagement = "engagement"
	CategoryMedia      = "media"
)

// categoryPrefixes is checked in order; the first matching prefix wins.
var categoryPrefixes = []struct {
	prefix   string
	category string
}{
	{"purchase", CategoryEcommerce},
	{"refund", CategoryEcommerce},
	{"add_to_cart", CategoryEcommerce},
	{"remove_from_cart", CategoryEcommerce},
	{"begin_checkout", CategoryEcommerce},
	{"checkout", CategoryEcommerce},
	{"view_item", CategoryEcommerce},
	{"add_payment_info", CategoryEcommerce},
	{"add_shipping_info", CategoryEcommerce},
	{"order_", CategoryEcommerce},
	{"product_", CategoryEcommerce},
	{"form_", CategoryForms},
	{"sign_up", CategoryForms},
	{"signup", CategoryForms},
	{"lead", CategoryForms},
	{"contact", CategoryForms},
	{"newsletter", CategoryForms},
	{"subscribe", CategoryForms},
	{"booking", CategoryBooking},
	{"book_", CategoryBooking},
	{"reservation", CategoryBooking},
	{"appointment", CategoryBooking},
	{"video_", CategoryMedia},
	{"audio_", CategoryMedia},
	{"media_", CategoryMedia},
	{"scroll", CategoryEngagement},
	{"click", CategoryEngagement},
	{"outbound", CategoryEngagement},
	{"file_download", CategoryEngagement},
	{"share", CategoryEngagement},
	{"search", CategoryEngagement},
}

// InferCategory maps an event name onto a category. Unrecognized names infer to "".
func InferCategory(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, p := range categoryPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.category
		}
	}
	return ""
}
