// Package mailer sends the tenant invitation email.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/config"
	"github.com/talkincode/botfleet/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

var ErrDisabled = errors.New("mail is not configured")

var invitationTmpl = template.Must(template.New("invitation").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <div style="max-width: 600px; margin: 0 auto;">
    <div style="background: #25D366; color: white; padding: 24px; text-align: center;">
      <h1>🤖 Tu Asistente WhatsApp</h1>
      <p>¡Ya está listo para usar!</p>
    </div>
    <div style="padding: 24px;">
      <p>¡Hola <strong>{{.Name}}</strong>! 👋</p>
      <p>Tu asistente inteligente de WhatsApp ha sido configurado exitosamente y está listo para comenzar a atender a tus clientes automáticamente.</p>
      <p style="text-align: center;">
        <a href="{{.LandingURL}}" style="background: #25D366; color: white; padding: 14px 28px; text-decoration: none; border-radius: 6px;">📱 Activar mi Asistente</a>
      </p>
      <h3>📋 Instrucciones de activación:</h3>
      <ol>
        <li>Haz clic en el botón de arriba para acceder a tu panel personal</li>
        <li><strong>Espera 1-2 minutos</strong> mientras se genera tu código de vinculación</li>
        <li>Abre WhatsApp en tu teléfono → Menú → Dispositivos vinculados</li>
        <li>Toca "Vincular un dispositivo" y escanea el código</li>
        <li>¡Tu asistente comenzará a responder automáticamente!</li>
      </ol>
      <p><strong>🔒 Importante:</strong> Solo se puede conectar un teléfono por asistente.</p>
    </div>
  </div>
</body>
</html>
`))

// Mailer delivers invitations over SMTP.
type Mailer struct {
	cfg    config.MailConfig
	sender gomail.Sender
}

func New(cfg config.MailConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Enabled reports whether an SMTP host and sender address are configured.
func (m *Mailer) Enabled() bool {
	return m.cfg.Host != "" && m.cfg.From != ""
}

// LandingURL is the public page a tenant uses to pair its phone.
func (m *Mailer) LandingURL(token string) string {
	return fmt.Sprintf("%s/client/%s", strings.TrimSuffix(m.cfg.LandingURL, "/"), token)
}

// Invitation builds the invitation message for t.
func (m *Mailer) Invitation(t *domain.Tenant) (*gomail.Message, error) {
	var body bytes.Buffer
	err := invitationTmpl.Execute(&body, map[string]string{
		"Name":       t.Name,
		"LandingURL": m.LandingURL(t.UniqueURL),
	})
	if err != nil {
		return nil, errors.Wrap(err, "render invitation")
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", t.Email)
	msg.SetHeader("Subject", fmt.Sprintf("🤖 Tu Asistente WhatsApp está listo - %s", t.Name))
	msg.SetBody("text/html", body.String())
	return msg, nil
}

// SendInvitation mails the landing link to the tenant contact.
func (m *Mailer) SendInvitation(ctx context.Context, t *domain.Tenant) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	if t.Email == "" {
		return errors.New("tenant has no email")
	}
	msg, err := m.Invitation(t)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.sender != nil {
		err = gomail.Send(m.sender, msg)
	} else {
		d := gomail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.Username, m.cfg.Password)
		err = d.DialAndSend(msg)
	}
	if err != nil {
		return errors.Wrapf(err, "send invitation to %s", t.Email)
	}
	zap.L().Info("mailer: invitation sent", zap.Int64("tenant_id", t.ID), zap.String("email", t.Email))
	return nil
}
