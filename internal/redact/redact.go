// Package redact strips passenger identity from event payloads before they
// leave the process.
package redact

import (
	"encoding/json"
	"strings"
)

const Marker = "[REDACTED]"

// always lists keys removed from every outbound payload.
var always = map[string]bool{
	"passengerPhone": true,
}

// contactual lists keys removed from ticket and SMS payloads.
var contactual = map[string]bool{
	"phone":       true,
	"phoneNumber": true,
}

// Payload returns a copy of payload, as a generic JSON tree, with phone
// fields replaced by Marker. The input is never modified. Payloads that
// cannot be encoded are dropped.
func Payload(eventName string, payload any) any {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil
	}
	upper := strings.ToUpper(eventName)
	strict := strings.Contains(upper, "TICKET") || strings.Contains(upper, "SMS")
	return walk(tree, strict)
}

func walk(node any, strict bool) any {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			if always[k] || (strict && contactual[k]) {
				if child != nil {
					v[k] = Marker
				}
				continue
			}
			v[k] = walk(child, strict)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = walk(child, strict)
		}
		return v
	default:
		return v
	}
}
