// Package sanitize normalizes untrusted strings before they are persisted
// or echoed back.
//
// Every function is pure and safe for concurrent use. Functions that
// validate rather than clean (URL, CreditCard) return "" for rejected input;
// HexColor falls back to "#000000" and FileName to "unnamed".
//
//	name := sanitize.Text(req.Name, 200)
//	email := sanitize.Email(req.RequesterEmail)
//	table := sanitize.SQLIdentifier(key)
package sanitize
