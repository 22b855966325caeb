package webutil

const (
	// Header Keys
	HeaderContentType      = "Content-Type"
	HeaderAuthorization    = "Authorization"
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderWebhookSignature = "X-Capsule-Signature"

	// Content Types
	ContentTypeJSONUTF8      = "application/json; charset=utf-8"
	ContentTypeTextPlainUTF8 = "text/plain; charset=utf-8"
)
