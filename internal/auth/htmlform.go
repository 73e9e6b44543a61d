package auth

import (
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/f5err"
)

// FieldType mirrors the field kinds the original SAX scraper distinguished:
// visible text, password (masked), hidden (echoed back verbatim), and
// everything else, which the caller must still echo back but never prompt
// the user for.
type FieldType int

const (
	FieldText FieldType = iota
	FieldPassword
	FieldHidden
	FieldOther
)

// FormField is one <input> captured from the login form, in document order.
type FormField struct {
	Name  string
	Label string
	Type  FieldType
	Value string
}

const maxLoginFields = 5

// parseLoginForm scans body for the <form id="auth_form"> the gateway's
// login page embeds and returns its <input> fields in document order. The
// label for a field is the text of the nearest preceding <label> inside the
// form, falling back to the field's name attribute when no label precedes
// it, matching the original scraper's behavior exactly.
func parseLoginForm(body []byte) ([]FormField, error) {
	z := html.NewTokenizer(strings.NewReader(string(body)))

	var (
		inForm    bool
		inLabel   bool
		lastLabel string
		fields    []FormField
	)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				break
			}
			return nil, f5err.Parse("auth.parseLoginForm", z.Err().Error())
		}

		tok := z.Token()
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			switch tok.Data {
			case "form":
				if attr(tok, "id") == "auth_form" {
					inForm = true
				}
			case "label":
				if inForm {
					inLabel = true
					lastLabel = ""
				}
			case "input":
				if !inForm {
					continue
				}
				if len(fields) >= maxLoginFields {
					continue
				}
				name := attr(tok, "name")
				typ := mapFieldType(attr(tok, "type"))
				label := lastLabel
				if label == "" {
					label = name
				}
				fields = append(fields, FormField{
					Name:  name,
					Label: label,
					Type:  typ,
					Value: attr(tok, "value"),
				})
				lastLabel = ""
			}
		case html.TextToken:
			if inLabel {
				lastLabel += string(tok.Data)
			}
		case html.EndTagToken:
			switch tok.Data {
			case "form":
				inForm = false
			case "label":
				inLabel = false
			}
		}
	}

	return fields, nil
}

func mapFieldType(raw string) FieldType {
	switch raw {
	case "text", "":
		return FieldText
	case "password":
		return FieldPassword
	case "hidden":
		return FieldHidden
	default:
		return FieldOther
	}
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// containsLogonPage reports whether body still shows the logon page,
// mirroring the original's strstr(body, "class=\"logon_page\"") check.
func containsLogonPage(body []byte) bool {
	return strings.Contains(string(body), `class="logon_page"`)
}

const credentialsPostHeaderMarker = "credentials_table_postheader"

// extractLogonError mirrors the original's extraction of the error message
// shown on a re-rendered logon page: the text between the next '>' after
// the credentials_table_postheader marker and the following "</".
func extractLogonError(body []byte) string {
	s := string(body)
	idx := strings.Index(s, credentialsPostHeaderMarker)
	if idx < 0 {
		return "Unexpected recurrence of logon page"
	}
	rest := s[idx:]
	gt := strings.Index(rest, ">")
	if gt < 0 {
		return "Unexpected recurrence of logon page"
	}
	rest = rest[gt+1:]
	end := strings.Index(rest, "</")
	if end < 0 {
		return "Unexpected recurrence of logon page"
	}
	return strings.TrimSpace(rest[:end])
}
