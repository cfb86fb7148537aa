package main

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"github.com/go-mail/mail/v2"
)

//go:embed "templates"
var templateFS embed.FS

type mailer struct {
	dialer *mail.Dialer
	sender string
}

func newMailer(host string, port int, username string, password string, sender string) *mailer {
	dialer := mail.NewDialer(host, port, username, password)
	dialer.Timeout = 5 * time.Second
	return &mailer{
		dialer: dialer,
		sender: sender,
	}
}

func (m *mailer) sendWelcome(to, name string) error {
	tmpl, err := template.New("email").ParseFS(templateFS, "templates/user_welcome.tmpl")
	if err != nil {
		return err
	}
	return m.send(to, tmpl, map[string]any{"Name": name})
}

func (m *mailer) send(to string, tmpl *template.Template, data any) error {
	msg, err := composeMessage(m.sender, to, tmpl, data)
	if err != nil {
		return err
	}

	for i := 0; i < 3; i++ {
		err = m.dialer.DialAndSend(msg)
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	return err
}

func composeMessage(from, to string, tmpl *template.Template, data any) (*mail.Message, error) {
	var subject bytes.Buffer
	err := tmpl.ExecuteTemplate(&subject, "subject", data)
	if err != nil {
		return nil, err
	}
	var plainBody bytes.Buffer
	err = tmpl.ExecuteTemplate(&plainBody, "plainBody", data)
	if err != nil {
		return nil, err
	}
	var htmlBody bytes.Buffer
	err = tmpl.ExecuteTemplate(&htmlBody, "htmlBody", data)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMessage()
	msg.SetHeader("To", to)
	msg.SetHeader("From", from)
	msg.SetHeader("Subject", subject.String())
	msg.SetBody("text/plain", plainBody.String())
	msg.AddAlternative("text/html", htmlBody.String())
	return msg, nil
}
