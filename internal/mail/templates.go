// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package mail

import (
	"bytes"
	"embed"
	"html/template"

	"github.com/samber/oops"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", oops.Code("MAIL_TEMPLATE_FAILED").With("template", name).Wrap(err)
	}
	return buf.String(), nil
}

// otpMessage renders the registration code email.
func otpMessage(to, code, name string) (Message, error) {
	body, err := render("otp.html", map[string]string{
		"Name":      name,
		"Code":      code,
		"ExpiresIn": "10 minutes",
	})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "Your Keystead verification code", HTML: body}, nil
}

// resetMessage renders the password reset email.
func resetMessage(to, link string) (Message, error) {
	body, err := render("reset.html", map[string]string{
		"Link":      link,
		"ExpiresIn": "1 hour",
	})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "Reset your Keystead password", HTML: body}, nil
}

// welcomeMessage renders the post-registration greeting.
func welcomeMessage(to, name string) (Message, error) {
	body, err := render("welcome.html", map[string]string{"Name": name})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "Welcome to Keystead", HTML: body}, nil
}
