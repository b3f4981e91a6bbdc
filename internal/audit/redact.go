package audit

import "github.com/marcus-qen/actiongate/internal/shared/security"

// Redactor scrubs configured sensitive fields from a record's payload
// before it is written, generalizing the credential-hygiene
// pattern used elsewhere in this codebase from "things that look like
// secrets" to "fields an operator has named as sensitive". String values
// in fields not named outright still pass through security.Sanitize, so
// a credential embedded in free text (a provider error body, a response
// payload) is still caught.
type Redactor struct {
	fields map[string]bool
}

const redactedPlaceholder = "[REDACTED]"

// NewRedactor builds a redactor over the configured field names. Field
// names match at any nesting depth of the payload map.
func NewRedactor(fields []string) *Redactor {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return &Redactor{fields: set}
}

// Apply returns a redacted copy of rec. It never mutates the input, and
// it is called on every write path (sync and async) so a sensitive value
// is never recoverable from backend inspection, even before the first
// read.
func (r *Redactor) Apply(rec Record) Record {
	out := rec
	out.Payload = r.redactMap(rec.Payload)
	return out
}

func (r *Redactor) redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.fields[k] {
			out[k] = redactedPlaceholder
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = r.redactMap(nested)
		case []any:
			out[k] = r.redactSlice(nested)
		case string:
			out[k] = security.Sanitize(nested)
		default:
			out[k] = v
		}
	}
	return out
}

func (r *Redactor) redactSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		switch nested := v.(type) {
		case map[string]any:
			out[i] = r.redactMap(nested)
		case []any:
			out[i] = r.redactSlice(nested)
		case string:
			out[i] = security.Sanitize(nested)
		default:
			out[i] = v
		}
	}
	return out
}
